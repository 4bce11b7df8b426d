// Package model holds the common data model shared by the session and data tiers.
package model

import (
	"sync"
	"time"
)

// Scope is the propagation scope a subscriber asks for.
type Scope int

const (
	ScopeZone Scope = iota
	ScopeDataCenter
	ScopeGlobal
)

func (s Scope) String() string {
	switch s {
	case ScopeZone:
		return "zone"
	case ScopeDataCenter:
		return "dataCenter"
	case ScopeGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// AssembleType selects how pushed data is assembled for a subscriber.
type AssembleType int

const (
	AssembleInterface AssembleType = iota
	AssembleApp
	AssembleAppAndInterface
)

// BaseRegistration carries the fields common to publishers, subscribers and
// watchers. Identity within a dataInfoId is (ConnectId, RegisterId).
type BaseRegistration struct {
	DataInfoId        string
	DataId            string
	Group             string
	InstanceId        string
	RegisterId        string
	AppName           string
	ClientId          string
	ProcessId         string
	Cell              string
	Version           int64
	RegisterTimestamp int64
	SourceAddress     URL
	TargetAddress     URL
}

// ConnectId derives the connection identity of the registration.
func (b *BaseRegistration) ConnectId() ConnectId {
	return NewConnectId(b.SourceAddress, b.TargetAddress)
}

// Registration is implemented by every registration kind stored session-side.
type Registration interface {
	Base() *BaseRegistration
}

// DataEntry is one payload element of a publication.
type DataEntry struct {
	Data []byte
}

// Publisher is a registration that publishes data entries for a dataInfoId.
type Publisher struct {
	BaseRegistration
	DataList []DataEntry
}

// Base implements Registration.
func (p *Publisher) Base() *BaseRegistration { return &p.BaseRegistration }

// Watcher is a minimal registration that triggers a one-shot fetch-and-push.
type Watcher struct {
	BaseRegistration
}

// Base implements Registration.
func (w *Watcher) Base() *BaseRegistration { return &w.BaseRegistration }

// Subscriber is a registration that receives pushes. It keeps per-dataCenter
// push bookkeeping so observed push versions never regress.
type Subscriber struct {
	BaseRegistration
	Scope        Scope
	AssembleType AssembleType

	mu     sync.Mutex
	pushed map[string]*pushedState
}

// Base implements Registration.
func (s *Subscriber) Base() *BaseRegistration { return &s.BaseRegistration }

type pushedState struct {
	pushVersion   int64
	fetchSeqStart int64
	fetchSeqEnd   int64
}

// CheckVersion reports whether a push spanning fetch sequences starting at
// fetchSeqStart is still acceptable: the subscriber must not have already
// acknowledged a fetch range ending past it.
func (s *Subscriber) CheckVersion(dataCenter string, fetchSeqStart int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.pushed[dataCenter]
	if st == nil {
		return true
	}
	return st.fetchSeqEnd <= fetchSeqStart
}

// CheckAndUpdateVersion records a successful push. The update is accepted only
// if pushVersion is not lower than the recorded one and the fetch range does
// not overlap an already acknowledged range.
func (s *Subscriber) CheckAndUpdateVersion(dataCenter string, pushVersion int64,
	versions map[string]int64, fetchSeqStart, fetchSeqEnd int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushed == nil {
		s.pushed = make(map[string]*pushedState)
	}
	st := s.pushed[dataCenter]
	if st == nil {
		s.pushed[dataCenter] = &pushedState{
			pushVersion:   pushVersion,
			fetchSeqStart: fetchSeqStart,
			fetchSeqEnd:   fetchSeqEnd,
		}
		return true
	}
	if pushVersion < st.pushVersion || st.fetchSeqEnd > fetchSeqStart {
		return false
	}
	st.pushVersion = pushVersion
	st.fetchSeqStart = fetchSeqStart
	st.fetchSeqEnd = fetchSeqEnd
	return true
}

// PushedVersion returns the last acknowledged push version for the dataCenter.
func (s *Subscriber) PushedVersion(dataCenter string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.pushed[dataCenter]
	if st == nil {
		return 0
	}
	return st.pushVersion
}

// NowMillis is the registration timestamp clock.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
