// Package mongostore is a MongoDB-backed StateStore, for deployments that
// already run Mongo for the registry store and want one durability story
// across both.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/domeai/dome/tooldaemon"
)

// Store is a MongoDB implementation of tooldaemon.StateStore, using one
// collection for jobs (embedding their event history as a sub-array, since
// a job's event count stays small and reads always want the whole job).
type Store struct {
	jobs *mongo.Collection
}

var _ tooldaemon.StateStore = (*Store)(nil)

type eventDoc struct {
	Seq     int64  `bson:"seq"`
	Type    string `bson:"event_type"`
	Payload any    `bson:"payload"`
	TSEpoch int64  `bson:"ts_epoch"`
}

type jobDoc struct {
	JobID          string     `bson:"_id"`
	RunID          string     `bson:"run_id"`
	State          string     `bson:"state"`
	SkillID        string     `bson:"skill_id"`
	Profile        string     `bson:"profile"`
	IdempotencyKey string     `bson:"idempotency_key"`
	RequestHash    string     `bson:"request_hash"`
	ClientID       string     `bson:"client_id"`
	Artifacts      []string   `bson:"artifacts"`
	Events         []eventDoc `bson:"events"`
	CreatedAtEpoch int64      `bson:"created_at_epoch"`
	UpdatedAtEpoch int64      `bson:"updated_at_epoch"`
	Repo           string     `bson:"repo,omitempty"`
	CommitSHA      string     `bson:"commit_sha,omitempty"`
	Dirty          bool       `bson:"dirty_flag,omitempty"`
	InputHash      string     `bson:"input_hash,omitempty"`
	EnvFingerprint string     `bson:"env_fingerprint,omitempty"`
}

// New wraps an existing, connected Mongo collection.
func New(collection *mongo.Collection) *Store { return &Store{jobs: collection} }

// EnsureIndexes creates the (state, updated_at) and (client_id,
// idempotency_key) indexes the store's queries rely on. Call once at
// startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "updated_at_epoch", Value: 1}}},
		{
			Keys:    bson.D{{Key: "client_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$ne": ""}}),
		},
	})
	if err != nil {
		return fmt.Errorf("ensure tooldaemon mongo indexes: %w", err)
	}
	return nil
}

func toDoc(job tooldaemon.JobRecord, clientID string) jobDoc {
	events := make([]eventDoc, len(job.Events))
	for i, e := range job.Events {
		events[i] = eventDoc{Seq: e.Seq, Type: string(e.Type), Payload: e.Payload, TSEpoch: e.TSEpoch}
	}
	return jobDoc{
		JobID: job.JobID, RunID: job.RunID, State: string(job.State), SkillID: job.SkillID, Profile: job.Profile,
		IdempotencyKey: job.IdempotencyKey, RequestHash: job.RequestHash, ClientID: clientID, Artifacts: job.Artifacts,
		Events: events, CreatedAtEpoch: job.CreatedAtEpoch, UpdatedAtEpoch: job.UpdatedAtEpoch,
		Repo: job.Repo, CommitSHA: job.CommitSHA, Dirty: job.Dirty, InputHash: job.InputHash, EnvFingerprint: job.EnvFingerprint,
	}
}

func fromDoc(doc jobDoc) tooldaemon.JobRecord {
	events := make([]tooldaemon.EventRecord, len(doc.Events))
	for i, e := range doc.Events {
		events[i] = tooldaemon.EventRecord{Seq: e.Seq, Type: tooldaemon.EventType(e.Type), Payload: e.Payload, TSEpoch: e.TSEpoch}
	}
	return tooldaemon.JobRecord{
		JobID: doc.JobID, RunID: doc.RunID, State: tooldaemon.JobState(doc.State), SkillID: doc.SkillID, Profile: doc.Profile,
		IdempotencyKey: doc.IdempotencyKey, RequestHash: doc.RequestHash, Artifacts: doc.Artifacts, Events: events,
		CreatedAtEpoch: doc.CreatedAtEpoch, UpdatedAtEpoch: doc.UpdatedAtEpoch,
		Repo: doc.Repo, CommitSHA: doc.CommitSHA, Dirty: doc.Dirty, InputHash: doc.InputHash, EnvFingerprint: doc.EnvFingerprint,
	}
}

// Submit inserts job, or replays the stored job on a matching idempotent
// resubmission.
func (s *Store) Submit(job tooldaemon.JobRecord, clientID string) (tooldaemon.JobRecord, bool, error) {
	ctx := context.Background()
	if job.IdempotencyKey != "" {
		var existing jobDoc
		err := s.jobs.FindOne(ctx, bson.M{"client_id": clientID, "idempotency_key": job.IdempotencyKey}).Decode(&existing)
		switch {
		case err == nil:
			if existing.RequestHash != job.RequestHash {
				return tooldaemon.JobRecord{}, false, tooldaemon.ErrIdempotencyKeyReused
			}
			return fromDoc(existing), true, nil
		case !errors.Is(err, mongo.ErrNoDocuments):
			return tooldaemon.JobRecord{}, false, fmt.Errorf("mongo lookup idempotency row: %w", err)
		}
	}
	if _, err := s.jobs.InsertOne(ctx, toDoc(job, clientID)); err != nil {
		return tooldaemon.JobRecord{}, false, fmt.Errorf("mongo insert job %s: %w", job.JobID, err)
	}
	return job, false, nil
}

// Get returns the job with the given ID.
func (s *Store) Get(jobID string) (tooldaemon.JobRecord, error) {
	var doc jobDoc
	err := s.jobs.FindOne(context.Background(), bson.M{"_id": jobID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return tooldaemon.JobRecord{}, tooldaemon.ErrJobNotFound
	}
	if err != nil {
		return tooldaemon.JobRecord{}, fmt.Errorf("mongo get job %s: %w", jobID, err)
	}
	return fromDoc(doc), nil
}

// Transition moves jobID to state to, rejecting the call if the job is
// already terminal. Uses a state-excluding filter so the update atomically
// fails for a terminal job rather than racing a separate read-then-write.
func (s *Store) Transition(jobID string, to tooldaemon.JobState) error {
	ctx := context.Background()
	filter := bson.M{
		"_id":   jobID,
		"state": bson.M{"$nin": terminalStates()},
	}
	update := bson.M{"$set": bson.M{"state": string(to), "updated_at_epoch": time.Now().Unix()}}
	result, err := s.jobs.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mongo transition job %s: %w", jobID, err)
	}
	if result.MatchedCount == 0 {
		if _, err := s.Get(jobID); err != nil {
			return err
		}
		return tooldaemon.ErrTerminalJob
	}
	return nil
}

// Cancel moves a non-terminal job to canceled; a no-op when already
// terminal.
func (s *Store) Cancel(jobID string) error {
	if err := s.Transition(jobID, tooldaemon.JobCanceled); err != nil {
		if errors.Is(err, tooldaemon.ErrTerminalJob) {
			return nil
		}
		return err
	}
	return nil
}

// AppendEvent assigns the next per-job seq (the job's event count plus one)
// and pushes the event with an update filtered on that count, so a
// concurrent append makes the update miss and the append is retried.
func (s *Store) AppendEvent(jobID string, typ tooldaemon.EventType, payload any) (tooldaemon.EventRecord, error) {
	ctx := context.Background()
	existing, err := s.Get(jobID)
	if err != nil {
		return tooldaemon.EventRecord{}, err
	}
	seq := int64(len(existing.Events)) + 1
	now := time.Now().Unix()
	event := eventDoc{Seq: seq, Type: string(typ), Payload: payload, TSEpoch: now}
	update := bson.M{
		"$push": bson.M{"events": event},
		"$set":  bson.M{"updated_at_epoch": now},
	}
	filter := bson.M{"_id": jobID, "events": bson.M{"$size": len(existing.Events)}}
	result, err := s.jobs.UpdateOne(ctx, filter, update)
	if err != nil {
		return tooldaemon.EventRecord{}, fmt.Errorf("mongo append event for job %s: %w", jobID, err)
	}
	if result.MatchedCount == 0 {
		// Either the job is gone (Get reports it) or another append won.
		return s.AppendEvent(jobID, typ, payload)
	}
	return tooldaemon.EventRecord{Seq: seq, Type: typ, Payload: payload, TSEpoch: now}, nil
}

// EventsSince returns events with seq > sinceSeq, ascending.
func (s *Store) EventsSince(jobID string, sinceSeq int64) ([]tooldaemon.EventRecord, error) {
	job, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	var out []tooldaemon.EventRecord
	for _, evt := range job.Events {
		if evt.Seq > sinceSeq {
			out = append(out, evt)
		}
	}
	return out, nil
}

// GC removes terminal jobs whose updated_at_epoch is older than now-ttl.
func (s *Store) GC(ttl time.Duration, now time.Time) (int, error) {
	ctx := context.Background()
	cutoff := now.Add(-ttl).Unix()
	result, err := s.jobs.DeleteMany(ctx, bson.M{
		"state":            bson.M{"$in": terminalStates()},
		"updated_at_epoch": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("mongo GC: %w", err)
	}
	return int(result.DeletedCount), nil
}

func terminalStates() []string {
	return []string{string(tooldaemon.JobSucceeded), string(tooldaemon.JobFailed), string(tooldaemon.JobCanceled)}
}
