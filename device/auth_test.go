package device

import (
	"testing"
	"time"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/config"
)

func TestConfirmHintAutoAccept(t *testing.T) {
	h := newHarness(t)
	handle := h.device(addrBREDR, bluetooth.AddressBREDR)

	h.start(handle, NewCall(MethodPair, ":1.1"), h.ctrl.pair)

	h.ctrl.ConfirmRequest(addrBREDR, bluetooth.AddressBREDR, 0, true)
	h.do(func() {})

	if got := h.link.snapshot().confirms; len(got) != 1 || !got[0] {
		t.Errorf("confirm replies = %v, want [true]", got)
	}

	if got := h.agent.seen(); len(got) != 0 {
		t.Errorf("agent asked %v for a local pairing", got)
	}
}

func TestConfirmHintAsk(t *testing.T) {
	h := newHarness(t, func(o *config.Options) {
		o.ConfirmHint = config.ConfirmHintAsk
	})
	handle := h.device(addrBREDR, bluetooth.AddressBREDR)

	h.start(handle, NewCall(MethodPair, ":1.1"), h.ctrl.pair)
	h.ctrl.ConfirmRequest(addrBREDR, bluetooth.AddressBREDR, 0, true)

	h.eventually("confirm reply", func() bool {
		return len(h.link.snapshot().confirms) == 1
	})

	if got := h.agent.seen(); len(got) != 1 || got[0] != "authorize" {
		t.Errorf("agent requests = %v, want [authorize]", got)
	}
}

func TestConfirmPasskey(t *testing.T) {
	h := newHarness(t)
	h.device(addrLE, bluetooth.AddressLEPublic)

	h.ctrl.ConfirmRequest(addrLE, bluetooth.AddressLEPublic, 123456, false)

	h.eventually("confirm reply", func() bool {
		return len(h.link.snapshot().confirms) == 1
	})

	if got := h.link.snapshot().confirms; !got[0] {
		t.Error("confirmation rejected")
	}

	if got := h.agent.seen(); len(got) != 1 || got[0] != "confirm" {
		t.Errorf("agent requests = %v, want [confirm]", got)
	}
}

func TestRepairingRejected(t *testing.T) {
	h := newHarness(t)
	handle := h.device(addrBREDR, bluetooth.AddressBREDR)

	h.ctrl.NewLinkKey(addrBREDR, true)
	h.ctrl.ConfirmRequest(addrBREDR, bluetooth.AddressBREDR, 0, true)
	h.do(func() {})

	if got := h.link.snapshot().confirms; len(got) != 1 || got[0] {
		t.Errorf("confirm replies = %v, want [false]", got)
	}

	if got := h.agent.seen(); len(got) != 0 {
		t.Errorf("agent asked %v", got)
	}

	h.inspect(handle, func(d *Device) {
		if d.auth != nil {
			t.Error("authentication request kept")
		}
	})
}

func TestPasskeyRequest(t *testing.T) {
	h := newHarness(t)
	h.agent.passkey = 123456

	h.ctrl.PasskeyRequest(addrLE, bluetooth.AddressLEPublic)

	h.eventually("passkey reply", func() bool {
		return len(h.link.snapshot().passkeys) == 1
	})

	if got := h.link.snapshot().passkeys[0]; got != 123456 {
		t.Errorf("passkey = %d, want 123456", got)
	}
}

func TestPasskeyTimeout(t *testing.T) {
	h := newHarness(t, func(o *config.Options) {
		o.AuthTimeout = 30 * time.Millisecond
	})
	h.agent.block = true

	h.ctrl.PasskeyRequest(addrLE, bluetooth.AddressLEPublic)

	h.eventually("passkey rejection", func() bool {
		return h.link.snapshot().rejects == 1
	})

	if got := h.link.snapshot().passkeys; len(got) != 0 {
		t.Errorf("passkeys sent = %v", got)
	}
}

func TestSecondAuthenticationRejected(t *testing.T) {
	h := newHarness(t, func(o *config.Options) {
		o.AuthTimeout = 50 * time.Millisecond
	})
	h.agent.block = true

	h.ctrl.PasskeyRequest(addrLE, bluetooth.AddressLEPublic)
	h.ctrl.ConfirmRequest(addrLE, bluetooth.AddressLEPublic, 1, false)
	h.do(func() {})

	if got := h.link.snapshot().confirms; len(got) != 1 || got[0] {
		t.Errorf("confirm replies = %v, want [false]", got)
	}
}

func TestPasskeyNotify(t *testing.T) {
	h := newHarness(t)

	h.ctrl.PasskeyNotify(addrLE, bluetooth.AddressLEPublic, 123456, 0)
	h.ctrl.PasskeyNotify(addrLE, bluetooth.AddressLEPublic, 123456, 3)

	h.eventually("passkey displays", func() bool {
		return len(h.agent.seen()) == 2
	})

	for _, kind := range h.agent.seen() {
		if kind != "display-passkey" {
			t.Errorf("agent request %q, want display-passkey", kind)
		}
	}

	calls := h.link.snapshot()
	if len(calls.passkeys) != 0 || len(calls.confirms) != 0 || calls.rejects != 0 {
		t.Error("link layer answered a notification")
	}
}

func TestConfiguredPinDisplayed(t *testing.T) {
	h := newHarness(t, func(o *config.Options) {
		o.PinCodes = []string{"4321"}
	})
	handle := h.device(addrBREDR, bluetooth.AddressBREDR)

	h.start(handle, NewCall(MethodPair, ":1.1"), h.ctrl.pair)
	h.ctrl.PinCodeRequest(addrBREDR, false)

	h.eventually("PIN reply", func() bool {
		return len(h.link.snapshot().pins) == 1
	})

	if got := h.link.snapshot().pins[0]; got != (pinReply{"4321", true}) {
		t.Errorf("PIN reply = %+v", got)
	}

	if got := h.agent.seen(); len(got) != 1 || got[0] != "display-pincode" {
		t.Errorf("agent requests = %v, want [display-pincode]", got)
	}
}
