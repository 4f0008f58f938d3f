package vxi11

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrServerClosed is returned by AddDeviceHandler after Close.
	ErrServerClosed = errors.New("instrument server closed")
	// ErrDuplicateDevice is returned when a device name is registered twice.
	ErrDuplicateDevice = errors.New("device name already registered")
)

// InitError carries the protocol error a failed Device.Init should be
// reported with. Init errors of any other type map to DeviceNotAccessible.
type InitError struct {
	Code ErrorCode
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// LinkID identifies a link handed out by CreateLink.
type LinkID uint32

// Link binds a client session to an initialized device.
type Link struct {
	ID      LinkID
	Device  string
	Session string
	Created time.Time

	dev Device
}

type registration struct {
	factory DeviceFactory

	mu  sync.Mutex
	dev Device
}

// device returns the initialized device, running Init on first use.
func (r *registration) device(name string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dev != nil {
		return r.dev, nil
	}
	dev := r.factory()
	if err := dev.Init(name); err != nil {
		return nil, err
	}
	r.dev = dev
	return dev, nil
}

// InstrumentServer maps device names to handlers and keeps the link table.
// It is transport agnostic: a listener decodes requests and calls the link
// operations below.
type InstrumentServer struct {
	rootName string
	log      *logrus.Logger

	mu       sync.RWMutex
	devices  map[string]*registration
	links    map[LinkID]*Link
	nextLink LinkID
	closed   bool
}

// NewInstrumentServer creates a server whose root device, rootName, is
// served by rootFactory.
func NewInstrumentServer(rootName string, rootFactory DeviceFactory, log *logrus.Logger) *InstrumentServer {
	s := &InstrumentServer{
		rootName: rootName,
		log:      log,
		devices:  make(map[string]*registration),
		links:    make(map[LinkID]*Link),
		nextLink: 1,
	}
	s.devices[rootName] = &registration{factory: rootFactory}
	return s
}

// RootName returns the name of the controller device.
func (s *InstrumentServer) RootName() string {
	return s.rootName
}

// AddDeviceHandler registers factory for device name.
func (s *InstrumentServer) AddDeviceHandler(factory DeviceFactory, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if _, exists := s.devices[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, name)
	}
	s.devices[name] = &registration{factory: factory}
	s.log.Debugf("registered device handler %s", name)
	return nil
}

// Devices returns the registered device names, sorted.
func (s *InstrumentServer) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.devices))
	for name := range s.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateLink opens a link from session to the named device.
func (s *InstrumentServer) CreateLink(session, name string) (LinkID, ErrorCode) {
	s.mu.RLock()
	closed := s.closed
	reg, ok := s.devices[name]
	s.mu.RUnlock()

	if closed {
		return 0, OutOfResources
	}
	if !ok {
		s.log.WithFields(logrus.Fields{"device": name, "session": session}).Warn("create_link for unknown device")
		return 0, DeviceNotAccessible
	}

	dev, err := reg.device(name)
	if err != nil {
		code := DeviceNotAccessible
		var ie *InitError
		if errors.As(err, &ie) {
			code = ie.Code
		}
		s.log.WithFields(logrus.Fields{"device": name, "session": session, "code": code}).
			Errorf("device init failed: %v", err)
		return 0, code
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, OutOfResources
	}
	id := s.nextLink
	s.nextLink++
	s.links[id] = &Link{ID: id, Device: name, Session: session, Created: time.Now(), dev: dev}

	s.log.WithFields(logrus.Fields{"device": name, "session": session, "link": id}).Info("link created")
	return id, NoError
}

// Link returns the link with id.
func (s *InstrumentServer) Link(id LinkID) (*Link, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[id]
	return l, ok
}

// Links returns the number of open links.
func (s *InstrumentServer) Links() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.links)
}

// DestroyLink closes one link of session.
func (s *InstrumentServer) DestroyLink(session string, id LinkID) ErrorCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[id]
	if !ok || l.Session != session {
		return InvalidLinkIdentifier
	}
	delete(s.links, id)
	s.log.WithFields(logrus.Fields{"device": l.Device, "session": l.Session, "link": id}).Info("link destroyed")
	return NoError
}

// DestroySession closes every link opened by session and returns how many
// were closed.
func (s *InstrumentServer) DestroySession(session string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, l := range s.links {
		if l.Session == session {
			delete(s.links, id)
			n++
		}
	}
	if n > 0 {
		s.log.WithFields(logrus.Fields{"session": session, "links": n}).Debug("session links destroyed")
	}
	return n
}

// lookup returns the device of link id. Links are only visible to the
// session that created them.
func (s *InstrumentServer) lookup(session string, id LinkID) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[id]
	if !ok || l.Session != session {
		return nil, false
	}
	return l.dev, true
}

// Write forwards device_write to the device of session's link id.
func (s *InstrumentServer) Write(session string, id LinkID, data []byte, flags Flags, timeout time.Duration) ErrorCode {
	dev, ok := s.lookup(session, id)
	if !ok {
		return InvalidLinkIdentifier
	}
	return dev.Write(data, flags, timeout)
}

// Read forwards device_read to the link's device.
func (s *InstrumentServer) Read(session string, id LinkID, requestSize uint32, termChar byte, flags Flags, timeout time.Duration) (ErrorCode, Reason, []byte) {
	dev, ok := s.lookup(session, id)
	if !ok {
		return InvalidLinkIdentifier, 0, nil
	}
	return dev.Read(requestSize, termChar, flags, timeout)
}

// Clear forwards device_clear to the link's device.
func (s *InstrumentServer) Clear(session string, id LinkID, flags Flags, timeout time.Duration) ErrorCode {
	dev, ok := s.lookup(session, id)
	if !ok {
		return InvalidLinkIdentifier
	}
	return dev.Clear(flags, timeout)
}

// DoCmd forwards device_docmd to the link's device.
func (s *InstrumentServer) DoCmd(session string, id LinkID, flags Flags, timeout time.Duration, cmd uint32, networkOrder bool, dataSize int, in []byte) (ErrorCode, []byte) {
	dev, ok := s.lookup(session, id)
	if !ok {
		return InvalidLinkIdentifier, nil
	}
	return dev.DoCmd(flags, timeout, cmd, networkOrder, dataSize, in)
}

// Close refuses new links and drops the open ones. It returns the number of
// links dropped.
func (s *InstrumentServer) Close() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	s.closed = true
	n := len(s.links)
	s.links = make(map[LinkID]*Link)
	s.log.Infof("instrument server closed, %d links dropped", n)
	return n
}
