package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahimsalabs/forcestream-go/forcestream/bayeux"
	fstest "github.com/ahimsalabs/forcestream-go/forcestream/testing"
)

func decodeLines(t *testing.T, out string) []eventLine {
	t.Helper()
	var lines []eventLine
	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var l eventLine
		require.NoError(t, dec.Decode(&l))
		lines = append(lines, l)
	}
	return lines
}

func publish(t *testing.T, server *fstest.Server, numbers ...string) []int64 {
	t.Helper()
	var ids []int64
	for _, n := range numbers {
		id, err := server.Publish(orderTopic, map[string]string{"Order_Number__c": n})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestListen_ReplayAll(t *testing.T) {
	ta, server, _ := newOrgApp(t)
	ids := publish(t, server, "A-1", "A-2")

	code := ta.run("listen", "-t", orderTopic, "--replay", "all", "--max-events", "2", "--handshake-timeout", "5s")
	require.Equal(t, 0, code, ta.stderr.String())

	lines := decodeLines(t, ta.stdout.String())
	require.Len(t, lines, 2)
	for i, l := range lines {
		assert.Equal(t, orderTopic, l.Topic)
		assert.Equal(t, ids[i], l.ReplayID)
	}
	var data struct {
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(lines[1].Data, &data))
	assert.Equal(t, "A-2", data.Payload["Order_Number__c"])
}

func TestListen_TopicsFromEnvironment(t *testing.T) {
	ta, server, _ := newOrgApp(t)
	ta.env["SALESFORCE_TOPICS"] = orderTopic
	ta.env["SALESFORCE_REPLAY_ID"] = "all"
	publish(t, server, "A-1")

	require.Equal(t, 0, ta.run("listen", "--max-events", "1", "--handshake-timeout", "5s"), ta.stderr.String())
	assert.Len(t, decodeLines(t, ta.stdout.String()), 1)
}

func TestListen_StoreResumesAfterLastEvent(t *testing.T) {
	ta, server, _ := newOrgApp(t)
	dir := t.TempDir()
	ids := publish(t, server, "A-1", "A-2")

	args := []string{"listen", "-t", orderTopic, "--replay", "all", "--store", dir, "--handshake-timeout", "5s"}
	require.Equal(t, 0, ta.run(append(args, "--max-events", "2")...), ta.stderr.String())
	require.Len(t, decodeLines(t, ta.stdout.String()), 2)

	require.Equal(t, 0, ta.run("cursors", "--store", dir, "--json"), ta.stderr.String())
	var cursors map[string]int64
	require.NoError(t, json.Unmarshal(ta.stdout.Bytes(), &cursors))
	assert.Equal(t, map[string]int64{orderTopic: ids[1]}, cursors)

	next := publish(t, server, "A-3")
	require.Equal(t, 0, ta.run(append(args, "--max-events", "1")...), ta.stderr.String())
	lines := decodeLines(t, ta.stdout.String())
	require.Len(t, lines, 1)
	assert.Equal(t, next[0], lines[0].ReplayID)
}

func TestListen_RejectedCursorFallsBackToNewEvents(t *testing.T) {
	ta, server, _ := newOrgApp(t)

	done := make(chan int, 1)
	go func() {
		done <- ta.run("listen", "-t", orderTopic, "--replay", "99", "--max-events", "1", "--handshake-timeout", "5s")
	}()

	// The fake server rejects 99; once the listener is back on new events
	// a fresh publish reaches it.
	require.Eventually(t, func() bool { return server.Subscribers(orderTopic) == 1 }, waitDeadline, tick)
	publish(t, server, "A-1")

	select {
	case code := <-done:
		require.Equal(t, 0, code)
	case <-time.After(waitDeadline):
		t.Fatal("listen did not receive the event")
	}
	assert.Len(t, decodeLines(t, ta.stdout.String()), 1)
}

func TestRejections_QueuedBeforeDrain(t *testing.T) {
	r := newRejections(slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.push(7)
	r.push(9)
	for i := 0; i < 32; i++ {
		r.push(int64(100 + i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got []int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.drain(ctx, func(cursor int64) {
			got = append(got, cursor)
			if len(got) == 16 {
				cancel()
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(waitDeadline):
		t.Fatal("drain did not stop after cancel")
	}
	require.Len(t, got, 16)
	assert.Equal(t, []int64{7, 9}, got[:2])
}

func TestListen_RequiresTopics(t *testing.T) {
	ta, _, _ := newOrgApp(t)
	assert.Equal(t, 1, ta.run("listen"))
	assert.Contains(t, ta.stderr.String(), "no topics")
}

func TestListen_InvalidReplay(t *testing.T) {
	ta, _, _ := newOrgApp(t)
	assert.Equal(t, 1, ta.run("listen", "-t", orderTopic, "--replay", "latest"))
	assert.Contains(t, ta.stderr.String(), "want new, all or a replay id")
}

func TestEventPrinter_StopsAtMax(t *testing.T) {
	var buf bytes.Buffer
	p := newEventPrinter(&buf, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for i := range 3 {
		p.OnMessage(orderTopic, &bayeux.Message{
			Channel: orderTopic,
			Data:    json.RawMessage(`{"event":{"replayId":` + string(rune('1'+i)) + `}}`),
		})
	}

	select {
	case <-p.Done():
	default:
		t.Fatal("printer not done after max events")
	}
	assert.Equal(t, 2, p.Count())
	lines := decodeLines(t, buf.String())
	require.Len(t, lines, 2)
	assert.Equal(t, int64(2), lines[1].ReplayID)
}

func TestEventPrinter_KeepsEventsWithoutEnvelope(t *testing.T) {
	var buf bytes.Buffer
	p := newEventPrinter(&buf, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.OnMessage("/topic/raw", &bayeux.Message{Channel: "/topic/raw", Data: json.RawMessage(`[1,2]`)})

	lines := decodeLines(t, buf.String())
	require.Len(t, lines, 1)
	assert.Equal(t, int64(0), lines[0].ReplayID)
	assert.JSONEq(t, `[1,2]`, string(lines[0].Data))
	select {
	case <-p.Done():
		t.Fatal("unbounded printer reported done")
	default:
	}
}
