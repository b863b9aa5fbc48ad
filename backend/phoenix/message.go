// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package phoenix

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/absmach/gatepass/realtime"
)

// Protocol events.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventSystem    = "system"

	heartbeatTopic = "phoenix"
	topicPrefix    = "realtime:"

	replyOK = "ok"
)

// message is a Phoenix channel frame.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type joinPayload struct {
	Config joinConfig `json:"config"`
}

type joinConfig struct {
	PostgresChanges []changeConfig `json:"postgres_changes"`
}

type changeConfig struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type changesPayload struct {
	Data changeData `json:"data"`
}

type changeData struct {
	Type            string          `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Record          realtime.Record `json:"record"`
	OldRecord       realtime.Record `json:"old_record"`
	CommitTimestamp string          `json:"commit_timestamp"`
}

func topicName(channel string) string {
	return topicPrefix + channel
}

// joinConfigs builds the postgres_changes join config for a request.
func joinConfigs(schema string, req realtime.SubscribeRequest, filter *realtime.Filter) []changeConfig {
	events := []string{"*"}
	if len(req.Kinds) > 0 && len(req.Kinds) < len(realtime.AllKinds) {
		events = events[:0]
		for _, k := range req.Kinds {
			events = append(events, string(k))
		}
	}

	configs := make([]changeConfig, 0, len(events))
	for _, ev := range events {
		configs = append(configs, changeConfig{
			Event:  ev,
			Schema: schema,
			Table:  req.Resource,
			Filter: filter.String(),
		})
	}
	return configs
}

// decodeChange converts a postgres_changes payload to an event.
func decodeChange(raw json.RawMessage) (realtime.Event, error) {
	var p changesPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return realtime.Event{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	kind := realtime.EventKind(p.Data.Type)
	if !kind.Valid() {
		return realtime.Event{}, fmt.Errorf("%w: %q", realtime.ErrUnknownEventKind, p.Data.Type)
	}

	ev := realtime.Event{
		Kind:     kind,
		Resource: p.Data.Table,
		New:      p.Data.Record,
		Old:      p.Data.OldRecord,
	}
	if p.Data.CommitTimestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, p.Data.CommitTimestamp); err == nil {
			ev.CommitTime = ts
		}
	}
	return ev, nil
}

func replyError(p replyPayload) error {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(p.Response, &body)
	if body.Reason == "" {
		body.Reason = string(p.Response)
	}
	return fmt.Errorf("%w: %s", ErrJoinRejected, body.Reason)
}
