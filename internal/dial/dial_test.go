package dial

import (
	"context"
	"testing"
	"time"

	"aetherlink/internal/candidate"
	"aetherlink/internal/transport/memhost"
)

func TestRaceSingleDirectCandidateWins(t *testing.T) {
	net := memhost.NewNetwork()
	a := memhost.NewHost(net, "device-a")
	b := memhost.NewHost(net, "device-b")
	if err := b.Listen(context.Background(), "/ip4/127.0.0.1/udp/1/quic-v1"); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	coord := New(a, nil)
	cands := []candidate.Candidate{
		candidate.New("device-b", "/ip4/127.0.0.1/udp/1/quic-v1", candidate.SourceDHT, time.Now(), time.Minute),
	}

	res, err := coord.Race(context.Background(), cands)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if res.Path != PathDirect {
		t.Fatalf("expected direct path, got %v", res.Path)
	}
}

func TestRaceNoPathWhenNothingListens(t *testing.T) {
	net := memhost.NewNetwork()
	a := memhost.NewHost(net, "device-a")
	coord := New(a, nil)

	cands := []candidate.Candidate{
		candidate.New("device-b", "/ip4/127.0.0.1/udp/9/quic-v1", candidate.SourceRelayAdvert, time.Now(), time.Minute),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	_, err := coord.Race(ctx, cands)
	if err == nil {
		t.Fatal("expected NoPath error")
	}
}
