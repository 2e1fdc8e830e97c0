package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/mcdev12/arena/go/internal/stream"
	"github.com/mcdev12/arena/go/internal/transport/flv"
)

func flvBody(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := flv.WriteHeader(&buf, true, true); err != nil {
		t.Fatal(err)
	}
	for _, tag := range []flv.Tag{
		{Type: flv.TagVideo, Timestamp: 0, Data: []byte{0x17, 0x00}},
		{Type: flv.TagAudio, Timestamp: 20, Data: []byte{0xaf, 0x01}},
		{Type: flv.TagVideo, Timestamp: 40, Data: []byte{0x27, 0x01}},
	} {
		if err := flv.WriteTag(&buf, tag); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func TestFLVPlayerHTTP(t *testing.T) {
	body := flvBody(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	rend := &recordingRenderer{}
	surface := NewSurface(rend)
	rep := &fakeReporter{}
	c := NewFLVConnector(DefaultFLVConfig())

	h, err := c.Open(context.Background(), srv.URL+"/live/1012.flv", rep)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	lease, _ := surface.Acquire(stream.KindFLV)
	if err := h.Attach(lease); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	eventually(t, "three packets", func() bool { return len(rend.snapshot()) == 3 })
	// A live source ending is a network failure.
	eventually(t, "network failure", func() bool {
		e, ok := rep.find("failed")
		return ok && e.err.Class == ClassNetwork
	})

	packets := rend.snapshot()
	if !packets[0].Keyframe || packets[1].Track != TrackAudio || packets[2].Keyframe {
		t.Fatalf("unexpected packets %+v", packets)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := surface.Owner(); ok {
		t.Fatal("surface still owned after Close")
	}
}

func TestFLVPlayerBadHeaderIsDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not a stream</html>"))
	}))
	defer srv.Close()

	_, err := NewFLVConnector(DefaultFLVConfig()).Open(context.Background(), srv.URL, &fakeReporter{})
	var pe *PlaybackError
	if !errors.As(err, &pe) || pe.Class != ClassDecode {
		t.Fatalf("expected decode-class error, got %v", err)
	}
}

func TestFLVPlayerHTTPStatusIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewFLVConnector(DefaultFLVConfig()).Open(context.Background(), srv.URL, &fakeReporter{})
	var pe *PlaybackError
	if !errors.As(err, &pe) || pe.Class != ClassNetwork {
		t.Fatalf("expected network-class error, got %v", err)
	}
}

func TestFLVPlayerWebSocket(t *testing.T) {
	body := flvBody(t)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Split the stream across frames; tag boundaries do not align.
		for _, chunk := range [][]byte{body[:7], body[7:20], body[20:]} {
			conn.WriteMessage(websocket.BinaryMessage, chunk)
		}
		conn.WriteMessage(websocket.TextMessage, []byte("ignored"))
		conn.ReadMessage()
	}))
	defer srv.Close()

	rend := &recordingRenderer{}
	surface := NewSurface(rend)
	cfg := DefaultFLVConfig()
	cfg.EnableWorker = true
	h, err := NewFLVConnector(cfg).Open(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/live.flv", &fakeReporter{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	lease, _ := surface.Acquire(stream.KindFLV)
	h.Attach(lease)

	eventually(t, "three packets", func() bool { return len(rend.snapshot()) == 3 })
}

func TestFLVPlayerReload(t *testing.T) {
	body := flvBody(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(body)
	}))
	defer srv.Close()

	rend := &recordingRenderer{}
	surface := NewSurface(rend)
	cfg := DefaultFLVConfig()
	cfg.Live = false
	h, err := NewFLVConnector(cfg).Open(context.Background(), srv.URL, &fakeReporter{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()
	lease, _ := surface.Acquire(stream.KindFLV)
	h.Attach(lease)
	eventually(t, "first pass", func() bool { return len(rend.snapshot()) == 3 })

	if err := h.(Reloader).Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	eventually(t, "second pass", func() bool { return len(rend.snapshot()) == 6 })
	if n := hits.Load(); n != 2 {
		t.Fatalf("hits = %d, want 2", n)
	}
}
