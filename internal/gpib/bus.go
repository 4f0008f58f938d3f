package gpib

// Handle is an open device descriptor returned by Bus.Open.
type Handle int

// OpenOptions mirror the ibdev parameters that are not part of the address.
type OpenOptions struct {
	SecondaryAddr int // 0 for none
	TimeoutCode   int // linux-gpib Txxx constant, 14 = T30s
	SendEOI       bool
	EOS           int // end-of-string mode and character, e.g. 0x40a
}

// DefaultOpenOptions are the settings the device proxies open instruments with.
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{
		SecondaryAddr: 0,
		TimeoutCode:   14,
		SendEOI:       true,
		EOS:           0x40a,
	}
}

// Control and handshake line bits as reported by iblines.
const (
	ValidDAV  = 0x01
	ValidNDAC = 0x02
	ValidNRFD = 0x04
	ValidIFC  = 0x08
	ValidREN  = 0x10
	ValidSRQ  = 0x20
	ValidATN  = 0x40
	ValidEOI  = 0x80
	BusDAV    = 0x100
	BusNDAC   = 0x200
	BusNRFD   = 0x400
	BusIFC    = 0x800
	BusREN    = 0x1000
	BusSRQ    = 0x2000
	BusATN    = 0x4000
	BusEOI    = 0x8000
)

// Bus is the GPIB access layer. Device level calls take a Handle, controller
// level calls take the board index.
//
// Implementations need not be safe for concurrent use; wrap them in a
// Controller.
type Bus interface {
	Open(addr Address, opts OpenOptions) (Handle, error)
	Write(h Handle, data []byte) (int, error)
	Read(h Handle, max int) ([]byte, error)
	Clear(h Handle) error

	Command(board int, cmd []byte) error
	Lines(board int) (uint16, error)
	// GoToStandby releases ATN (ibgts).
	GoToStandby(board int) error
	// TakeControl asserts ATN (ibcac).
	TakeControl(board int) error
	RemoteEnable(board int, enable bool) error

	Close() error
}
