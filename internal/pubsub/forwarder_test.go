package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geostream/internal/geoindex"
	"geostream/internal/query"
	"geostream/internal/store/memory"
	"geostream/pkg/model"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
}

type publishedMessage struct {
	subject string
	data    []byte
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, publishedMessage{subject: subject, data: data})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, m.subject)
	}
	return out
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "GEOSTREAM.harbor.key_entered",
		Subject("GEOSTREAM", "harbor", model.EventKeyEntered))
}

func TestForward_PublishesQueryEvents(t *testing.T) {
	ctx := context.Background()
	ix := geoindex.New(memory.New(), query.DefaultConfig())

	center := model.Location{Latitude: 1, Longitude: 2}
	radius := 1000.0
	q, err := ix.Query(model.Criteria{Center: &center, RadiusKm: &radius})
	require.NoError(t, err)
	defer q.Cancel()

	pub := &fakePublisher{}
	fwd, err := Forward(q, pub, "GEOSTREAM", "harbor")
	require.NoError(t, err)
	defer fwd.Stop()

	// Attaching to a loaded query publishes the ready barrier immediately.
	require.Equal(t, []string{"GEOSTREAM.harbor.ready"}, pub.subjects())

	require.NoError(t, ix.Set(ctx, "ship-1", model.Location{Latitude: 2, Longitude: 3}))
	require.NoError(t, ix.Remove(ctx, "ship-1"))

	subjects := pub.subjects()
	require.Len(t, subjects, 3)
	assert.Equal(t, "GEOSTREAM.harbor.key_entered", subjects[1])
	assert.Equal(t, "GEOSTREAM.harbor.key_exited", subjects[2])

	var entered WatchEvent
	require.NoError(t, json.Unmarshal(pub.messages[1].data, &entered))
	assert.Equal(t, "harbor", entered.Watch)
	assert.Equal(t, model.EventKeyEntered, entered.Type)
	assert.Equal(t, "ship-1", entered.Key)
	require.NotNil(t, entered.Location)
	assert.NotEmpty(t, entered.EventID)
	assert.Positive(t, entered.Timestamp)

	var exited WatchEvent
	require.NoError(t, json.Unmarshal(pub.messages[2].data, &exited))
	assert.Nil(t, exited.Location, "deletion exit carries a null location")
	assert.Nil(t, exited.Distance)
}

func TestForwarder_StopDetaches(t *testing.T) {
	ctx := context.Background()
	ix := geoindex.New(memory.New(), query.DefaultConfig())

	center := model.Location{Latitude: 1, Longitude: 2}
	radius := 1000.0
	q, err := ix.Query(model.Criteria{Center: &center, RadiusKm: &radius})
	require.NoError(t, err)
	defer q.Cancel()

	pub := &fakePublisher{}
	fwd, err := Forward(q, pub, "GEOSTREAM", "harbor")
	require.NoError(t, err)

	fwd.Stop()
	before := len(pub.subjects())
	require.NoError(t, ix.Set(ctx, "ship-1", model.Location{Latitude: 2, Longitude: 3}))
	assert.Len(t, pub.subjects(), before, "no events after Stop")
}
