package feed

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	id1, ch1 := b.Subscribe()
	id2, ch2 := b.Subscribe()
	if got, want := b.ClientCount(), 2; got != want {
		t.Fatalf("ClientCount() = %d; want %d", got, want)
	}

	b.Publish(Event{Kind: KindItemUpdate, Payload: `{"tabId":1}`})
	assert.Equal(t, KindItemUpdate, (<-ch1).Kind)
	assert.Equal(t, `{"tabId":1}`, (<-ch2).Payload)

	b.Unsubscribe(id1)
	b.Unsubscribe(id1)
	_, open := <-ch1
	assert.False(t, open, "unsubscribed channel must be closed")
	b.Unsubscribe(id2)
	assert.Equal(t, 0, b.ClientCount())
}

func TestBrokerDropsForSlowConsumer(t *testing.T) {
	b := NewBroker()
	_, ch := b.Subscribe()
	for i := 0; i < subscriberBufSize+10; i++ {
		b.Publish(Event{Kind: KindItemUpdate})
	}
	assert.Len(t, ch, subscriberBufSize)
}

func TestSSEHandlerFiltersKinds(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?kinds=item.delete", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	b.Publish(Event{Kind: KindItemUpdate, Payload: `{"tabId":1}`})
	b.Publish(Event{Kind: KindItemDelete, Payload: `{"tabId":2}`})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: item.delete", strings.TrimSpace(line))
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `data: {"tabId":2}`, strings.TrimSpace(line))
}
