//go:build integration

package redis

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hearing-summarizer/internal/config"
	"hearing-summarizer/internal/infra/broker"
)

var testClient *Client

func TestMain(m *testing.M) {
	ctx := context.Background()
	cmd := exec.Command("docker", "run", "-d", "--rm", "--network", "host", "redis:7")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		log.Fatalf("could not start redis container: %v. Is Docker running?", err)
	}
	containerID := strings.TrimSpace(out.String())[:12]

	var err error
	for i := 0; i < 15; i++ {
		testClient, err = NewClient(ctx, &config.RedisConfig{URL: "redis://localhost:6379/0"})
		if err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		exec.Command("docker", "stop", containerID).Run()
		log.Fatalf("Unable to connect to test redis: %v", err)
	}

	exitCode := m.Run()

	testClient.Close()
	exec.Command("docker", "stop", containerID).Run()
	os.Exit(exitCode)
}

func TestJobLimiter_Integration(t *testing.T) {
	ctx := context.Background()
	l := NewJobLimiter(testClient, 2, time.Minute)

	for _, id := range []string{"job_1", "job_2"} {
		if ok, err := l.Acquire(ctx, "client-a", id); err != nil || !ok {
			t.Fatalf("acquire %s: %v %v", id, ok, err)
		}
	}
	if ok, _ := l.Acquire(ctx, "client-a", "job_3"); ok {
		t.Fatal("expected third job to be refused")
	}
	if ok, _ := l.Acquire(ctx, "client-a", "job_1"); !ok {
		t.Error("re-acquiring a held job must succeed")
	}
	if err := l.Release(ctx, "client-a", "job_1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := l.Acquire(ctx, "client-a", "job_3"); !ok {
		t.Error("expected a slot after release")
	}
}

func TestLocker_Integration(t *testing.T) {
	ctx := context.Background()
	locker := NewLocker(testClient)

	token, err := locker.TryLock(ctx, "lock:test", time.Minute)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := locker.TryLock(ctx, "lock:test", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if err := locker.Unlock(ctx, "lock:test", "not-the-token"); err != nil {
		t.Fatalf("unlock with wrong token: %v", err)
	}
	if _, err := locker.TryLock(ctx, "lock:test", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatal("a foreign token must not release the lock")
	}
	if err := locker.Unlock(ctx, "lock:test", token); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := locker.TryLock(ctx, "lock:test", time.Minute); err != nil {
		t.Errorf("expected lock to be free, got %v", err)
	}
}

func TestNotifier_Integration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := zerolog.Nop()

	// Two instances sharing redis, each with its own hub.
	a := NewNotifier(testClient, broker.NewHub(), &logger)
	bHub := broker.NewHub()
	b := NewNotifier(testClient, bHub, &logger)
	go b.Run(ctx)
	time.Sleep(200 * time.Millisecond)

	ch, unsubscribe := b.Subscribe("job_1")
	defer unsubscribe()
	a.Publish(ctx, "job_1")

	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("remote viewer was not woken")
	}
}
