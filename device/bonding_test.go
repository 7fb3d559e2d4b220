package device

import (
	"errors"
	"testing"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/config"
	"github.com/darkhz/btdevd/api/errorkinds"
)

func TestPairInProgress(t *testing.T) {
	h := newHarness(t)
	handle := h.device(addrBREDR, bluetooth.AddressBREDR)

	first := h.start(handle, NewCall(MethodPair, ":1.1"), h.ctrl.pair)

	second := h.start(handle, NewCall(MethodPair, ":1.2"), h.ctrl.pair)
	if err := h.wait(second); !errors.Is(err, errorkinds.ErrInProgress) {
		t.Fatalf("second Pair = %v, want in progress", err)
	}

	connect := h.start(handle, NewCall(MethodConnect, ":1.2"), h.ctrl.connect)
	if err := h.wait(connect); !errors.Is(err, errorkinds.ErrInProgress) {
		t.Fatalf("Connect during Pair = %v, want in progress", err)
	}

	if first.Replied() {
		t.Fatalf("first Pair replied early: %v", first.Err())
	}

	if n := len(h.link.snapshot().bondings); n != 1 {
		t.Fatalf("bonding requested %d times, want 1", n)
	}

	h.ctrl.NewLinkKey(addrBREDR, true)

	if err := h.wait(first); err != nil {
		t.Fatalf("Pair = %v", err)
	}

	h.inspect(handle, func(d *Device) {
		if !d.bredrState.Paired || !d.bredrState.Bonded {
			t.Errorf("paired %t bonded %t, want both", d.bredrState.Paired, d.bredrState.Bonded)
		}

		if d.temporary {
			t.Error("bonded device is still temporary")
		}

		if d.bonding != nil {
			t.Error("bonding request not freed")
		}
	})

	if got := h.emitter.values("Paired"); len(got) != 1 || got[0] != true {
		t.Errorf("Paired changes = %v, want [true]", got)
	}
}

func TestCancelPairing(t *testing.T) {
	h := newHarness(t)
	handle := h.device(addrBREDR, bluetooth.AddressBREDR)

	pair := h.start(handle, NewCall(MethodPair, ":1.1"), h.ctrl.pair)
	cancel := h.start(handle, NewCall(MethodCancelPairing, ":1.1"), h.ctrl.cancelPairing)

	if err := h.wait(cancel); err != nil {
		t.Fatalf("CancelPairing = %v", err)
	}

	want := errorkinds.FromStatus(errorkinds.StatusCancelled)
	if err := h.wait(pair); !errors.Is(err, want) {
		t.Fatalf("Pair = %v, want %v", err, want)
	}

	if n := h.link.snapshot().cancels; n != 1 {
		t.Errorf("link bonding cancelled %d times, want 1", n)
	}

	again := h.start(handle, NewCall(MethodCancelPairing, ":1.1"), h.ctrl.cancelPairing)
	if err := h.wait(again); !errors.Is(err, errorkinds.ErrDoesNotExist) {
		t.Errorf("CancelPairing without bonding = %v, want does not exist", err)
	}
}

func TestBondingRetryBound(t *testing.T) {
	h := newHarness(t, func(o *config.Options) {
		o.PinCodes = []string{"1234"}
	})
	h.agent.capability = bluetooth.IOCapabilityNoInputNoOutput
	h.agent.pincode = "0000"

	handle := h.device(addrBREDR, bluetooth.AddressBREDR)
	pair := h.start(handle, NewCall(MethodPair, ":1.1"), h.ctrl.pair)

	// The configured PIN is used for the first attempt.
	h.ctrl.PinCodeRequest(addrBREDR, false)
	h.ctrl.BondingComplete(addrBREDR, bluetooth.AddressBREDR, errorkinds.StatusAuthFailed)

	h.eventually("bonding retry", func() bool {
		return len(h.link.snapshot().bondings) == 2
	})

	if pair.Replied() {
		t.Fatalf("Pair replied during retry: %v", pair.Err())
	}

	// The agent is asked once the PIN codes run out.
	h.ctrl.PinCodeRequest(addrBREDR, false)
	h.eventually("agent PIN reply", func() bool {
		return len(h.link.snapshot().pins) == 2
	})

	h.ctrl.BondingComplete(addrBREDR, bluetooth.AddressBREDR, errorkinds.StatusAuthFailed)

	want := errorkinds.FromStatus(errorkinds.StatusAuthFailed)
	if err := h.wait(pair); !errors.Is(err, want) {
		t.Fatalf("Pair = %v, want %v", err, want)
	}

	calls := h.link.snapshot()
	if len(calls.bondings) != 2 {
		t.Errorf("bonding attempts = %d, want 2", len(calls.bondings))
	}

	wantPins := []pinReply{{"1234", true}, {"0000", true}}
	for i, p := range wantPins {
		if calls.pins[i] != p {
			t.Errorf("PIN reply %d = %+v, want %+v", i, calls.pins[i], p)
		}
	}

	if got := h.agent.seen(); len(got) != 1 || got[0] != "pincode" {
		t.Errorf("agent requests = %v, want [pincode]", got)
	}

	h.inspect(handle, func(d *Device) {
		if !d.temporary {
			t.Error("device with failed bonding is not temporary")
		}
	})
}

func TestBondingDuration(t *testing.T) {
	h := newHarness(t)
	handle := h.device(addrBREDR, bluetooth.AddressBREDR)

	pair := h.start(handle, NewCall(MethodPair, ":1.1"), h.ctrl.pair)
	h.ctrl.NewLinkKey(addrBREDR, true)

	if err := h.wait(pair); err != nil {
		t.Fatalf("Pair = %v", err)
	}

	duration, err := h.ctrl.BondingDuration(t.Context(), handle)
	if err != nil {
		t.Fatalf("BondingDuration: %v", err)
	}

	if duration < 0 {
		t.Errorf("BondingDuration = %s", duration)
	}
}

func TestUnpairedBecomesTemporary(t *testing.T) {
	h := newHarness(t)
	handle := h.device(addrBREDR, bluetooth.AddressBREDR)

	h.ctrl.NewLinkKey(addrBREDR, true)
	h.ctrl.DeviceUnpaired(addrBREDR, bluetooth.AddressBREDR)

	h.inspect(handle, func(d *Device) {
		if d.paired() || d.bonded() {
			t.Error("device still paired")
		}

		if !d.temporary {
			t.Error("unpaired device is not temporary")
		}
	})

	if got := h.emitter.values("Bonded"); len(got) != 2 || got[1] != false {
		t.Errorf("Bonded changes = %v, want [true false]", got)
	}
}

func TestCallerExitedCancelsPairing(t *testing.T) {
	h := newHarness(t)
	handle := h.device(addrBREDR, bluetooth.AddressBREDR)

	pair := h.start(handle, NewCall(MethodPair, ":1.5"), h.ctrl.pair)

	h.ctrl.CallerExited(":1.6")
	h.do(func() {})

	if pair.Replied() {
		t.Fatal("pairing cancelled for another caller")
	}

	h.ctrl.CallerExited(":1.5")

	want := errorkinds.FromStatus(errorkinds.StatusCancelled)
	if err := h.wait(pair); !errors.Is(err, want) {
		t.Fatalf("Pair = %v, want %v", err, want)
	}

	if n := h.link.snapshot().cancels; n != 1 {
		t.Errorf("link bonding cancelled %d times, want 1", n)
	}
}
