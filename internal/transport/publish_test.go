package transport

import (
	"context"
	"errors"
	"testing"
)

func TestConn_PublishBackpressure(t *testing.T) {
	t.Parallel()

	c := newConn(context.Background(), nil, "s1", Config{OutboundBuffer: 1})
	ctx := context.Background()

	if err := c.Publish(ctx, []byte("a"), false); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := c.Publish(ctx, []byte("b"), false); !errors.Is(err, ErrBufferFull) {
		t.Errorf("unreliable publish on full queue: want ErrBufferFull, got %v", err)
	}
	if n := c.dropped.Load(); n != 1 {
		t.Errorf("dropped: want 1, got %d", n)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := c.Publish(cctx, []byte("c"), true); !errors.Is(err, context.Canceled) {
		t.Errorf("reliable publish with cancelled ctx: want context.Canceled, got %v", err)
	}

	c.cancel()
	if err := c.Publish(ctx, []byte("d"), true); !errors.Is(err, ErrClosed) {
		t.Errorf("publish after close: want ErrClosed, got %v", err)
	}
}
