package client

import (
	"errors"
	"testing"
)

func TestGuardIdleByDefault(t *testing.T) {
	var g remoteGuard
	if g.applyingRemote() {
		t.Error("fresh guard should be idle")
	}
}

func TestGuardSetDuringApply(t *testing.T) {
	var g remoteGuard
	err := g.during(func() error {
		if !g.applyingRemote() {
			t.Error("guard should report applying inside during()")
		}
		return nil
	})
	if err != nil {
		t.Errorf("during() error = %v", err)
	}
	if g.applyingRemote() {
		t.Error("guard should be idle after during() returns")
	}
}

func TestGuardPropagatesError(t *testing.T) {
	var g remoteGuard
	want := errors.New("load failed")
	if err := g.during(func() error { return want }); !errors.Is(err, want) {
		t.Errorf("during() error = %v, want %v", err, want)
	}
	if g.applyingRemote() {
		t.Error("guard should be idle after an error")
	}
}

func TestGuardRestoredAfterPanic(t *testing.T) {
	var g remoteGuard
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		g.during(func() error { panic("surface blew up") })
	}()
	if g.applyingRemote() {
		t.Error("guard should be idle after a panic")
	}
}
