package relxfer_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coreswitch/relxfer/client"
	"github.com/coreswitch/relxfer/server"
	"github.com/coreswitch/relxfer/simulator"
)

// waitForAddr polls fn until it returns a non-empty address or the deadline
// passes, for engines whose listener binds asynchronously in ListenAndServe.
func waitForAddr(t *testing.T, fn func() string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := fn(); addr != "" {
			return addr
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for listener to bind")
	return ""
}

func startServer(t *testing.T, maxSegmentSize int) (addr string, delivered chan string, shutdown func()) {
	t.Helper()
	delivered = make(chan string, 16)
	engine, err := server.NewEngine(server.Config{
		Addr:           "127.0.0.1:0",
		MaxSegmentSize: maxSegmentSize,
		Deliver: func(_ uint64, _ string, message string) {
			delivered <- message
		},
	})
	if err != nil {
		t.Fatal("server.NewEngine:", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.ListenAndServe(ctx)
	}()
	addr = waitForAddr(t, func() string {
		a := engine.Addr()
		if a == nil {
			return ""
		}
		return a.String()
	})
	return addr, delivered, func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		engine.Shutdown(sctx)
		wg.Wait()
	}
}

func startSimulator(t *testing.T, targetAddr string, conditions simulator.Conditions) (addr string, shutdown func()) {
	t.Helper()
	proxy := simulator.NewProxy("127.0.0.1:0", targetAddr, conditions, 42)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		proxy.ListenAndServe(ctx)
	}()
	addr = waitForAddr(t, func() string {
		a := proxy.Addr()
		if a == nil {
			return ""
		}
		return a.String()
	})
	return addr, func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		proxy.Shutdown(sctx)
		wg.Wait()
	}
}

func sendAndExpect(t *testing.T, addr, message string, windowSize int, timeout time.Duration) string {
	t.Helper()
	engine, err := client.NewEngine(client.Config{WindowSize: windowSize, Timeout: timeout})
	if err != nil {
		t.Fatal("client.NewEngine:", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*timeout+5*time.Second)
	defer cancel()
	if err := engine.Connect(ctx, addr); err != nil {
		t.Fatal("Connect:", err)
	}
	defer engine.Close()
	if err := engine.SendMessage(ctx, message); err != nil {
		t.Fatal("SendMessage:", err)
	}
	return message
}

// TestBasicSingleSegment covers scenario S1: a short message over a clean
// connection delivers verbatim.
func TestBasicSingleSegment(t *testing.T) {
	addr, delivered, shutdown := startServer(t, 512)
	defer shutdown()

	const msg = "Hello, World!"
	sendAndExpect(t, addr, msg, 4, 5*time.Second)

	select {
	case got := <-delivered:
		if got != msg {
			t.Fatalf("delivered %q, want %q", got, msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message was never delivered")
	}
}

// TestMultiSegmentUTF8 covers scenario S2.
func TestMultiSegmentUTF8(t *testing.T) {
	addr, delivered, shutdown := startServer(t, 240)
	defer shutdown()

	const msg = "Hello, 世界! This is a test message with UTF-8 characters: 🌟🌍"
	sendAndExpect(t, addr, msg, 4, 5*time.Second)

	select {
	case got := <-delivered:
		if got != msg {
			t.Fatalf("delivered %q, want %q", got, msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message was never delivered")
	}
}

// TestLossyNetworkEventualDelivery covers scenario S3: moderate loss and
// delay still converge to a successful delivery within the deadline.
func TestLossyNetworkEventualDelivery(t *testing.T) {
	serverAddr, delivered, shutdownServer := startServer(t, 512)
	defer shutdownServer()

	simAddr, shutdownSim := startSimulator(t, serverAddr, simulator.Conditions{
		PacketLossRate: 0.2,
		AckLossRate:    0.1,
		MinDelay:       5 * time.Millisecond,
		MaxDelay:       15 * time.Millisecond,
	})
	defer shutdownSim()

	msg := fmt.Sprintf("loss-test-%s", stringRepeat("a", 1024))
	sendAndExpect(t, simAddr, msg, 4, 3*time.Second)

	select {
	case got := <-delivered:
		if got != msg {
			t.Fatal("delivered message did not match sent message")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("message was never delivered under lossy conditions")
	}
}

// TestDuplicationDeliversOnce covers scenario S4: heavy duplication must
// never cause two deliveries of the same message.
func TestDuplicationDeliversOnce(t *testing.T) {
	serverAddr, delivered, shutdownServer := startServer(t, 256)
	defer shutdownServer()

	simAddr, shutdownSim := startSimulator(t, serverAddr, simulator.Conditions{
		DuplicationRate: 0.7,
	})
	defer shutdownSim()

	msg := stringRepeat("b", 600)
	sendAndExpect(t, simAddr, msg, 4, 3*time.Second)

	select {
	case got := <-delivered:
		if got != msg {
			t.Fatal("first delivery did not match sent message")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message was never delivered")
	}

	select {
	case <-delivered:
		t.Fatal("message was delivered a second time")
	case <-time.After(200 * time.Millisecond):
	}
}

func stringRepeat(s string, n int) string {
	b := make([]byte, 0, n)
	for len(b) < n {
		b = append(b, s...)
	}
	return string(b[:n])
}
