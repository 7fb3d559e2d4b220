package device

import (
	"errors"

	"github.com/darkhz/btdevd/api/bluetooth"
	"github.com/darkhz/btdevd/api/errorkinds"
)

// ServiceState is the connection state of a probed service.
type ServiceState uint8

// The different service states.
const (
	ServiceUnavailable ServiceState = iota
	ServiceDisconnected
	ServiceConnecting
	ServiceConnected
	ServiceDisconnecting
)

// String returns the name of the state.
func (s ServiceState) String() string {
	switch s {
	case ServiceDisconnected:
		return "disconnected"

	case ServiceConnecting:
		return "connecting"

	case ServiceConnected:
		return "connected"

	case ServiceDisconnecting:
		return "disconnecting"
	}

	return "unavailable"
}

// Profile describes a profile driver that can be bound to devices.
type Profile interface {
	Name() string

	// RemoteUUID is the UUID the profile matches on remote devices.
	RemoteUUID() string

	// Priority orders profile connection; higher connects first.
	Priority() int
}

// Connectable is a profile that can initiate and tear down connections.
// Connect and Disconnect start the procedure; completion is reported with
// Service.ConnectingComplete and Service.DisconnectingComplete.
type Connectable interface {
	Profile
	Connect(s *Service) error
	Disconnect(s *Service) error
}

// AutoConnectable is a profile that is connected as part of the
// aggregate device Connect.
type AutoConnectable interface {
	Profile
	AutoConnect() bool
}

// Probeable is a profile that is bound to a device when its UUID is
// discovered, and unbound when the device goes away.
type Probeable interface {
	Profile
	Probe(s *Service) error
	Remove(s *Service)
}

// Acceptor is a profile that accepts connections over an already connected
// attribute transport.
type Acceptor interface {
	Profile
	Accept(s *Service) error
}

// Service is a profile instance bound to a device.
type Service struct {
	ctrl *Controller

	device  Handle
	address bluetooth.MacAddress
	profile Profile

	state   ServiceState
	err     error
	allowed bool
}

// Device returns the handle of the device the service is bound to.
func (s *Service) Device() Handle {
	return s.device
}

// Address returns the address of the device the service is bound to.
func (s *Service) Address() bluetooth.MacAddress {
	return s.address
}

// Profile returns the profile driver of the service.
func (s *Service) Profile() Profile {
	return s.profile
}

// ConnectingComplete reports the result of a connection started by the profile.
// It is safe to call from any goroutine.
func (s *Service) ConnectingComplete(err error) {
	s.ctrl.loop.Post(func() {
		if s.state != ServiceConnecting {
			return
		}

		if err != nil {
			s.setState(ServiceDisconnected, err)
			return
		}

		s.setState(ServiceConnected, nil)
	})
}

// DisconnectingComplete reports the result of a disconnection started by
// the profile. It is safe to call from any goroutine.
func (s *Service) DisconnectingComplete(err error) {
	s.ctrl.loop.Post(func() {
		if s.state != ServiceDisconnecting {
			return
		}

		if err != nil {
			s.setState(ServiceConnected, err)
			return
		}

		s.setState(ServiceDisconnected, nil)
	})
}

// Disconnected reports that the profile connection went down on its own.
// It is safe to call from any goroutine.
func (s *Service) Disconnected() {
	s.ctrl.loop.Post(func() {
		if s.state == ServiceUnavailable || s.state == ServiceDisconnected {
			return
		}

		s.setState(ServiceDisconnected, nil)
	})
}

func (s *Service) setState(state ServiceState, err error) {
	old := s.state
	if old == state {
		return
	}

	s.state = state
	s.err = err

	log.Debugf("%s %s: %s -> %s", s.address, s.profile.Name(), old, state)

	s.ctrl.serviceStateChanged(s, old, state, err)
}

func (s *Service) connect() error {
	p, ok := s.profile.(Connectable)
	if !ok {
		return errorkinds.ErrNotSupported
	}

	if !s.allowed {
		return errorkinds.ErrConnectionAborted
	}

	switch s.state {
	case ServiceUnavailable:
		return errorkinds.ErrInvalidArguments

	case ServiceConnecting, ServiceConnected:
		return errorkinds.ErrAlready

	case ServiceDisconnecting:
		return errorkinds.ErrBusy
	}

	s.state = ServiceConnecting
	if err := p.Connect(s); err != nil {
		s.state = ServiceDisconnected
		s.err = err

		return err
	}

	return nil
}

func (s *Service) disconnect() error {
	p, ok := s.profile.(Connectable)
	if !ok {
		return errorkinds.ErrNotSupported
	}

	switch s.state {
	case ServiceUnavailable:
		return errorkinds.ErrInvalidArguments

	case ServiceDisconnecting, ServiceDisconnected:
		return errorkinds.ErrAlready
	}

	old := s.state
	s.state = ServiceDisconnecting

	if err := p.Disconnect(s); err != nil {
		if errors.Is(err, errorkinds.ErrNotSupported) {
			s.state = old
			return err
		}

		// The link is assumed to be gone anyway.
		s.setState(ServiceDisconnected, err)
	}

	return nil
}

func (s *Service) accept() error {
	p, ok := s.profile.(Acceptor)
	if !ok {
		return errorkinds.ErrNotSupported
	}

	switch s.state {
	case ServiceUnavailable:
		return errorkinds.ErrInvalidArguments

	case ServiceConnecting, ServiceConnected:
		return errorkinds.ErrAlready
	}

	s.state = ServiceConnecting
	if err := p.Accept(s); err != nil {
		s.state = ServiceDisconnected
		s.err = err

		return err
	}

	return nil
}

func (s *Service) remove() {
	if p, ok := s.profile.(Probeable); ok {
		p.Remove(s)
	}

	s.state = ServiceUnavailable
}

func (s *Service) autoConnect() bool {
	p, ok := s.profile.(AutoConnectable)
	return ok && p.AutoConnect()
}

func (s *Service) connectable() bool {
	_, ok := s.profile.(Connectable)
	return ok
}

func (s *Service) acceptor() bool {
	_, ok := s.profile.(Acceptor)
	return ok
}
