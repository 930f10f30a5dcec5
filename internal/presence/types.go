// Package presence holds the subscriber and snapshot domain model and the
// change-detection pipeline that keeps snapshots current and fans out change
// notifications.
package presence

import (
	"encoding/json"
	"time"

	"comebearing.dev/internal/tablestore"
)

// Storage partitions. Subscribers are written by enrollment and read-only
// here; snapshots are owned exclusively by the pipeline.
const (
	PartitionSubscribers  = "UserAccount"
	PartitionLastPresence = "LastPresence"
)

// Subscriber identifies a user who completed delegated-consent enrollment.
// Its row key is the stable home account identifier.
type Subscriber struct {
	AccountID string `json:"account_id"`
	ObjectID  string `json:"object_id"`
	UPN       string `json:"upn"`
	TenantID  string `json:"tenant_id"`
}

// Entity maps the subscriber to its stored row.
func (s Subscriber) Entity() (tablestore.Entity, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return tablestore.Entity{}, err
	}
	return tablestore.Entity{
		PartitionKey: PartitionSubscribers,
		RowKey:       s.AccountID,
		Data:         data,
	}, nil
}

// SubscriberFromEntity decodes a stored subscriber row.
func SubscriberFromEntity(e tablestore.Entity) (Subscriber, error) {
	var s Subscriber
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return Subscriber{}, err
	}
	if s.AccountID == "" {
		s.AccountID = e.RowKey
	}
	return s, nil
}

// Snapshot is the last-known presence for one user, keyed by UPN.
type Snapshot struct {
	ObjectID     string    `json:"object_id"`
	UPN          string    `json:"upn"`
	Availability string    `json:"availability"`
	Activity     string    `json:"activity"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Same reports whether two snapshots carry the same presence. The observation
// timestamp always differs between polls and is excluded.
func (s Snapshot) Same(prev Snapshot) bool {
	return s.ObjectID == prev.ObjectID &&
		s.Availability == prev.Availability &&
		s.Activity == prev.Activity
}

// Entity maps the snapshot to its stored row.
func (s Snapshot) Entity() (tablestore.Entity, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return tablestore.Entity{}, err
	}
	return tablestore.Entity{
		PartitionKey: PartitionLastPresence,
		RowKey:       s.UPN,
		Data:         data,
	}, nil
}

// SnapshotFromEntity decodes a stored snapshot row.
func SnapshotFromEntity(e tablestore.Entity) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return Snapshot{}, err
	}
	if s.UPN == "" {
		s.UPN = e.RowKey
	}
	return s, nil
}
