package keymanager

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	dir := t.TempDir()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	if err := Bootstrap(dir); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	mgr, err := New(dir, rdb)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(mgr.Stop)

	return mgr, mr
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInitialLoadExposesActiveKey(t *testing.T) {
	mgr, _ := newTestManager(t)

	priv, version, err := mgr.CurrentPrivate()
	if err != nil {
		t.Fatalf("CurrentPrivate: %v", err)
	}
	if priv == nil {
		t.Fatal("expected non-nil private key")
	}
	if version.String() == "" {
		t.Fatal("expected non-nil version")
	}

	active := mgr.ActivePublicKeys()
	if len(active) != 1 {
		t.Fatalf("len(ActivePublicKeys()) = %d, want 1", len(active))
	}
}

func TestRotationProducesNewKeyAndKeepsOldVerifiable(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, oldVersion, err := mgr.CurrentPrivate()
	if err != nil {
		t.Fatalf("CurrentPrivate: %v", err)
	}

	rotator := NewRotator(mgr, time.Hour, silentLogger())
	ctx := context.Background()
	if err := rotator.attemptRotation(ctx); err != nil {
		t.Fatalf("attemptRotation: %v", err)
	}

	_, newVersion, err := mgr.CurrentPrivate()
	if err != nil {
		t.Fatalf("CurrentPrivate after rotation: %v", err)
	}
	if newVersion == oldVersion {
		t.Fatal("expected a new key version after rotation")
	}

	if _, ok := mgr.PublicKeyByVersion(oldVersion); !ok {
		t.Fatal("old key should remain verifiable during the overlap window")
	}

	active := mgr.ActivePublicKeys()
	if len(active) != 2 {
		t.Fatalf("len(ActivePublicKeys()) = %d, want 2 (old + new)", len(active))
	}
}

func TestRotationSkippedOnLockContention(t *testing.T) {
	mgr, mr := newTestManager(t)
	_, oldVersion, _ := mgr.CurrentPrivate()

	// Simulate a concurrent rotation already holding the lock.
	if err := mr.Set(lockKey, "other-replica-token"); err != nil {
		t.Fatalf("seeding lock: %v", err)
	}

	rotator := NewRotator(mgr, time.Hour, silentLogger())
	err := rotator.attemptRotation(context.Background())
	if err != errLockContention {
		t.Fatalf("attemptRotation error = %v, want errLockContention", err)
	}

	_, version, _ := mgr.CurrentPrivate()
	if version != oldVersion {
		t.Fatal("no new key should have been created while the lock was held")
	}
}

func TestKeyOverlapLaw(t *testing.T) {
	// Scenario 5: a token minted under K1 must still verify immediately
	// after rotation to K2, and must stop verifying once K1 actually
	// expires (25h after creation).
	mgr, _ := newTestManager(t)
	_, k1, _ := mgr.CurrentPrivate()

	rotator := NewRotator(mgr, time.Hour, silentLogger())
	if err := rotator.attemptRotation(context.Background()); err != nil {
		t.Fatalf("attemptRotation: %v", err)
	}

	if _, ok := mgr.PublicKeyByVersion(k1); !ok {
		t.Fatal("K1 should verify immediately after rotation")
	}

	mgr.mu.Lock()
	for i := range mgr.keys {
		if mgr.keys[i].version == k1 {
			mgr.keys[i].expiresAt = time.Now().Add(-time.Second)
		}
	}
	mgr.mu.Unlock()

	if _, ok := mgr.PublicKeyByVersion(k1); ok {
		t.Fatal("K1 should no longer verify after its expiry")
	}
}
