package replicator

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindcreek/non-messenger/internal/clock"
	"github.com/mindcreek/non-messenger/internal/nodes"
	"github.com/mindcreek/non-messenger/internal/pool"
	"github.com/mindcreek/non-messenger/internal/wire"
)

func testConfig() Config {
	return Config{Workers: 2, QueueSize: 16, Timeout: 2 * time.Second}
}

func newPeerServer(t *testing.T, received chan<- wire.PublishRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/replicate" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req wire.PublishRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("peer received invalid body: %v", err)
		}
		received <- req
		w.WriteHeader(http.StatusOK)
	}))
}

func publishedEnvelope(id string) pool.Envelope {
	return pool.Envelope{
		ID:            id,
		RecipientCode: "R",
		Payload:       "ciphertext",
		AuthTag:       "tag",
		CreatedAt:     time.Now(),
		TTL:           time.Hour,
		Origin:        pool.Published,
	}
}

func TestReplicateFansOutToEveryPeer(t *testing.T) {
	received := make(chan wire.PublishRequest, 4)
	peerA := newPeerServer(t, received)
	defer peerA.Close()
	peerB := newPeerServer(t, received)
	defer peerB.Close()

	clk := clock.NewFake(time.Now())
	registry := nodes.New(clk, zerolog.Nop(), []string{peerA.URL, peerB.URL})

	r := New(registry, testConfig(), zerolog.Nop())
	r.Start()
	defer r.Stop()

	r.Replicate(publishedEnvelope("m1"))

	for i := 0; i < 2; i++ {
		select {
		case req := <-received:
			if req.MessageID != "m1" || req.RecipientCode != "R" || req.AuthTag != "tag" {
				t.Fatalf("peer received wrong envelope: %+v", req)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("peer %d never received the envelope", i+1)
		}
	}
}

func TestReplicateSkipsInboundReplicas(t *testing.T) {
	received := make(chan wire.PublishRequest, 1)
	peer := newPeerServer(t, received)
	defer peer.Close()

	clk := clock.NewFake(time.Now())
	registry := nodes.New(clk, zerolog.Nop(), []string{peer.URL})

	r := New(registry, testConfig(), zerolog.Nop())
	r.Start()
	defer r.Stop()

	env := publishedEnvelope("m2")
	env.Origin = pool.ReplicatedIn
	r.Replicate(env)

	select {
	case req := <-received:
		t.Fatalf("replicated-in envelope must never fan out, peer saw %+v", req)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReplicateSurvivesDeadPeer(t *testing.T) {
	received := make(chan wire.PublishRequest, 1)
	live := newPeerServer(t, received)
	defer live.Close()

	clk := clock.NewFake(time.Now())
	registry := nodes.New(clk, zerolog.Nop(), []string{"http://127.0.0.1:1", live.URL})

	r := New(registry, testConfig(), zerolog.Nop())
	r.Start()
	defer r.Stop()

	r.Replicate(publishedEnvelope("m3"))

	// The dead peer fails independently; the live peer still gets its copy.
	select {
	case req := <-received:
		if req.MessageID != "m3" {
			t.Fatalf("wrong envelope: %+v", req)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("live peer never received the envelope")
	}
}

func TestReplicateWithNoPeersIsNoop(t *testing.T) {
	clk := clock.NewFake(time.Now())
	registry := nodes.New(clk, zerolog.Nop(), nil)

	r := New(registry, testConfig(), zerolog.Nop())
	r.Start()
	defer r.Stop()

	r.Replicate(publishedEnvelope("m4"))
}
