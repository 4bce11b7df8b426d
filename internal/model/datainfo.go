package model

import (
	"fmt"
	"strings"
)

const dataInfoSplit = "#@#"

// DefaultGroup is used when a registration does not name one.
const DefaultGroup = "DEFAULT_GROUP"

// DefaultInstanceId is used when a registration does not name one.
const DefaultInstanceId = "DEFAULT_INSTANCE_ID"

// DataInfoId composes the logical key for a published topic.
func DataInfoId(dataId, instanceId, group string) string {
	if group == "" {
		group = DefaultGroup
	}
	if instanceId == "" {
		instanceId = DefaultInstanceId
	}
	return dataId + dataInfoSplit + instanceId + dataInfoSplit + group
}

// ParseDataInfoId splits a dataInfoId back into (dataId, instanceId, group).
func ParseDataInfoId(dataInfoId string) (dataId, instanceId, group string, err error) {
	parts := strings.Split(dataInfoId, dataInfoSplit)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("invalid dataInfoId: %q", dataInfoId)
	}
	return parts[0], parts[1], parts[2], nil
}
