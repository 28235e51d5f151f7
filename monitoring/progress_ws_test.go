package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"oncorisk/ml"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestHubBroadcastsProgress(t *testing.T) {
	hub := NewHub(nil)
	go hub.Start()
	defer hub.Stop()

	conn := dialHub(t, hub)

	hub.OnTrial(ml.Trial{ID: 3, LearningRate: 0.001, Status: ml.TrialRunning})
	msg := readMessage(t, conn)
	if msg.Type != TrialStarted {
		t.Fatalf("expected %s, got %s", TrialStarted, msg.Type)
	}
	var trial ml.Trial
	if err := json.Unmarshal(msg.Data, &trial); err != nil {
		t.Fatalf("decode trial: %v", err)
	}
	if trial.ID != 3 {
		t.Errorf("trial id = %d, want 3", trial.ID)
	}

	hub.OnEpoch(ml.EpochStats{Trial: 3, Epoch: 1, Epochs: 20, TrainLoss: 0.7})
	if msg := readMessage(t, conn); msg.Type != EpochCompleted {
		t.Errorf("expected %s, got %s", EpochCompleted, msg.Type)
	}

	hub.OnTrial(ml.Trial{ID: 3, Status: ml.TrialCompleted, AUC: 0.8})
	if msg := readMessage(t, conn); msg.Type != TrialCompleted {
		t.Errorf("expected %s, got %s", TrialCompleted, msg.Type)
	}
}

func TestHubSubscriptions(t *testing.T) {
	hub := NewHub(nil)
	go hub.Start()
	defer hub.Stop()

	conn := dialHub(t, hub)
	if err := conn.WriteJSON(ClientMessage{Type: "subscribe", Topic: string(TrainingCompleted)}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// the subscription is applied asynchronously by the read pump
	time.Sleep(50 * time.Millisecond)

	hub.OnEpoch(ml.EpochStats{Epoch: 1})
	if err := hub.Publish(TrainingCompleted, map[string]float64{"auc": 0.81}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type != TrainingCompleted {
		t.Errorf("expected only %s, got %s", TrainingCompleted, msg.Type)
	}
}

func TestHubStopFlushesQueuedMessages(t *testing.T) {
	hub := NewHub(nil)
	go hub.Start()

	conn := dialHub(t, hub)
	if err := hub.Publish(TrainingCompleted, map[string]float64{"auc": 0.77}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	hub.Stop()

	msg := readMessage(t, conn)
	if msg.Type != TrainingCompleted {
		t.Fatalf("expected %s, got %s", TrainingCompleted, msg.Type)
	}

	// a second Stop is harmless
	hub.Stop()
	if n := hub.ClientCount(); n != 0 {
		t.Errorf("client count after stop = %d, want 0", n)
	}
}
