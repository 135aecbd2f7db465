package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"geostream/internal/query"
	"geostream/pkg/model"
)

// publishTimeout bounds a single event publish.
const publishTimeout = 5 * time.Second

// WatchEvent is the JSON envelope published for every event of a standing
// watch.
type WatchEvent struct {
	EventID   string          `json:"eventId"`
	Watch     string          `json:"watch"`
	Type      model.EventType `json:"type"`
	Key       string          `json:"key,omitempty"`
	Location  *model.Location `json:"location,omitempty"`
	Distance  *float64        `json:"distanceKm,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Subject builds the JetStream subject of a watch event:
// <stream>.<watch>.<event_type>.
func Subject(stream, watch string, evt model.EventType) string {
	return fmt.Sprintf("%s.%s.%s", stream, watch, evt)
}

// Forwarder republishes every event of one live query under a watch name.
type Forwarder struct {
	regs []*query.Registration
}

// Forward attaches to the query and publishes its events. Stop detaches.
func Forward(q *query.GeoQuery, pub Publisher, stream, watch string) (*Forwarder, error) {
	f := &Forwarder{}
	for _, evt := range []model.EventType{
		model.EventKeyEntered,
		model.EventKeyExited,
		model.EventKeyMoved,
		model.EventReady,
	} {
		evt := evt
		reg, err := q.On(evt, func(ev model.KeyEvent) {
			publish(pub, stream, watch, evt, ev)
		})
		if err != nil {
			f.Stop()
			return nil, err
		}
		f.regs = append(f.regs, reg)
	}
	return f, nil
}

// Stop cancels the forwarder's registrations. The query stays alive.
func (f *Forwarder) Stop() {
	for _, reg := range f.regs {
		reg.Cancel()
	}
}

func publish(pub Publisher, stream, watch string, evt model.EventType, ev model.KeyEvent) {
	payload := WatchEvent{
		EventID:   uuid.NewString(),
		Watch:     watch,
		Type:      evt,
		Key:       ev.Key,
		Location:  ev.Location,
		Distance:  ev.DistanceKm,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("geostream: watch event marshal failed", "watch", watch, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := pub.Publish(ctx, Subject(stream, watch, evt), data); err != nil {
		slog.Warn("geostream: watch event publish failed",
			"watch", watch, "type", evt, "error", err)
	}
}
