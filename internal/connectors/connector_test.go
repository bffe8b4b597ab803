package connectors

import (
	"context"
	"testing"

	"github.com/fentz26/parley/internal/pipeline"
)

func TestDiscard(t *testing.T) {
	var p Player = Discard{}
	if p.Name() != "discard" {
		t.Errorf("Expected name 'discard', got %s", p.Name())
	}
	if err := p.Play(context.Background(), pipeline.WorkItem{Audio: "a.wav"}); err != nil {
		t.Errorf("Play failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Play(ctx, pipeline.WorkItem{}); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
