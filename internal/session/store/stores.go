package store

import (
	"go.uber.org/zap"

	"github.com/wilsonvolker/sofa-registry/internal/model"
)

// Interests holds the session's subscriber registrations.
type Interests struct {
	*Store[*model.Subscriber]
}

// NewInterests creates the subscriber store.
func NewInterests(log *zap.Logger) *Interests {
	return &Interests{Store: New[*model.Subscriber]("interests", log)}
}

// DataStore holds the session's publisher registrations.
type DataStore struct {
	*Store[*model.Publisher]
}

// NewDataStore creates the publisher store.
func NewDataStore(log *zap.Logger) *DataStore {
	return &DataStore{Store: New[*model.Publisher]("dataStore", log)}
}

// Watchers holds the session's watcher registrations.
type Watchers struct {
	*Store[*model.Watcher]
}

// NewWatchers creates the watcher store.
func NewWatchers(log *zap.Logger) *Watchers {
	return &Watchers{Store: New[*model.Watcher]("watchers", log)}
}
