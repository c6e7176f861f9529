package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"relocation/internal/domain"
)

// Activity types written by the engine.
const (
	StageInsert        = "stage.insert"
	StageUpdate        = "stage.update"
	StageDelete        = "stage.delete"
	SubStageInsert     = "substage.insert"
	SubStageUpdate     = "substage.update"
	SubStageDelete     = "substage.delete"
	VerificationInsert = "verification.insert"
	VerificationEdit   = "verification.edit"
	VerificationVerify = "verification.verify"
	VerificationDelete = "verification.delete"
	EntityRegister     = "entity.register"
	HouseInsert        = "house.insert"
)

// Entry is one activity log row. RelatedID points at the record the action
// touched (a verification or stage id) while EntityID names the tracked entity.
type Entry struct {
	Type       string
	VillageID  string
	EntityKind string
	EntityID   string
	ActorID    string
	RelatedID  string
	Comments   string
	Payload    EventPayload
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes the entry inside tx so it commits or rolls back with the mutation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if e.Type == "" || e.EntityKind == "" {
		return fmt.Errorf("event type and entity kind required")
	}
	ts := w.Now().UTC().Format(domain.TimeLayout)
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,village_id,entity_kind,entity_id,actor_id,related_id,comments,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.VillageID), e.EntityKind, nullable(e.EntityID), e.ActorID, nullable(e.RelatedID), nullable(e.Comments), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
