package scopeacq

import (
	"errors"
	"fmt"
)

// StatusCode is a status value returned by a vendor driver call.
type StatusCode uint32

// Status codes that the acquisition engine treats specially.
const (
	StatusOK                           StatusCode = 0x00
	StatusInvalidHandle                StatusCode = 0x0C
	StatusInvalidParameter             StatusCode = 0x0D
	StatusInvalidTimebase              StatusCode = 0x0E
	StatusInvalidVoltageRange          StatusCode = 0x0F
	StatusInvalidChannel               StatusCode = 0x10
	StatusStreamingFailed              StatusCode = 0x14
	StatusBlockModeFailed              StatusCode = 0x15
	StatusDataNotAvailable             StatusCode = 0x18
	StatusBufferStall                  StatusCode = 0x1C
	StatusTooManySamples               StatusCode = 0x1D
	StatusTooManySegments              StatusCode = 0x1E
	StatusNoSamplesAvailable           StatusCode = 0x25
	StatusSegmentOutOfRange            StatusCode = 0x26
	StatusBusy                         StatusCode = 0x27
	StatusInvalidSampleInterval        StatusCode = 0x2B
	StatusPowerSupplyConnected         StatusCode = 0x119
	StatusPowerSupplyNotConnected      StatusCode = 0x11A // 282
	StatusUSB3DeviceNonUSB3Port        StatusCode = 0x11E
	StatusInvalidDeviceResolution      StatusCode = 0x120
	StatusChannelDisabledDueToUSBPower StatusCode = 0x122 // 290
	StatusWaitingForDataBuffers        StatusCode = 0x197 // 407
)

var statusText = map[StatusCode]string{
	0x00:  "Pico ok",
	0x01:  "Pico max units opened",
	0x02:  "Pico memory fail",
	0x03:  "Pico not found",
	0x04:  "Pico fw fail",
	0x05:  "Pico open operation in progress",
	0x06:  "Pico operation failed",
	0x07:  "Pico not responding",
	0x08:  "Pico config fail",
	0x09:  "Pico kernel driver too old",
	0x0A:  "Pico eeprom corrupt",
	0x0B:  "Pico os not supported",
	0x0C:  "Pico invalid handle",
	0x0D:  "Pico invalid parameter",
	0x0E:  "Pico invalid timebase",
	0x0F:  "Pico invalid voltage range",
	0x10:  "Pico invalid channel",
	0x11:  "Pico invalid trigger channel",
	0x12:  "Pico invalid condition channel",
	0x13:  "Pico no signal generator",
	0x14:  "Pico streaming failed",
	0x15:  "Pico block mode failed",
	0x16:  "Pico null parameter",
	0x17:  "Pico ets mode set",
	0x18:  "Pico data not available",
	0x19:  "Pico string buffer to small",
	0x1A:  "Pico ets not supported",
	0x1B:  "Pico auto trigger time to short",
	0x1C:  "Pico buffer stall",
	0x1D:  "Pico too many samples",
	0x1E:  "Pico too many segments",
	0x1F:  "Pico pulse width qualifier",
	0x20:  "Pico delay",
	0x21:  "Pico source details",
	0x22:  "Pico conditions",
	0x23:  "Pico user callback",
	0x24:  "Pico device sampling",
	0x25:  "Pico no samples available",
	0x26:  "Pico segment out of range",
	0x27:  "Pico busy",
	0x28:  "Pico startindex invalid",
	0x29:  "Pico invalid info",
	0x2A:  "Pico info unavailable",
	0x2B:  "Pico invalid sample interval",
	0x2C:  "Pico trigger error",
	0x2D:  "Pico memory",
	0x119: "Pico power supply connected",
	0x11A: "Pico power supply not connected",
	0x11B: "Pico power supply request invalid",
	0x11C: "Pico power supply undervoltage",
	0x11D: "Pico capturing data",
	0x11E: "Pico usb3 0 device non usb3 0 port",
	0x11F: "Pico not supported by this device",
	0x120: "Pico invalid device resolution",
	0x121: "Pico invalid number channels for resolution",
	0x122: "Pico channel disabled due to usb powered",
	0x197: "Pico waiting for data buffers",
}

func (c StatusCode) String() string {
	if text, ok := statusText[c]; ok {
		return text
	}
	return fmt.Sprintf("unknown status 0x%X", uint32(c))
}

// IsWarning is true for nonzero codes after which acquisition may continue.
func (c StatusCode) IsWarning() bool {
	switch c {
	case StatusWaitingForDataBuffers, StatusPowerSupplyNotConnected,
		StatusChannelDisabledDueToUSBPower, StatusUSB3DeviceNonUSB3Port:
		return true
	}
	return false
}

// IsPowerSource is true for codes that are resolved by changing the unit's power source.
func (c StatusCode) IsPowerSource() bool {
	switch c {
	case StatusPowerSupplyNotConnected, StatusChannelDisabledDueToUSBPower, StatusUSB3DeviceNonUSB3Port:
		return true
	}
	return false
}

// DeviceWarning is a recoverable, nonzero driver status.
type DeviceWarning struct {
	Code StatusCode
	Op   string
}

func (w *DeviceWarning) Error() string {
	if w.Op == "" {
		return fmt.Sprintf("device warning %d: %s", uint32(w.Code), w.Code)
	}
	return fmt.Sprintf("device warning %d in %s: %s", uint32(w.Code), w.Op, w.Code)
}

// DeviceFault is a driver status that ends the session.
type DeviceFault struct {
	Code StatusCode
	Op   string
}

func (f *DeviceFault) Error() string {
	if f.Op == "" {
		return fmt.Sprintf("device fault %d: %s", uint32(f.Code), f.Code)
	}
	return fmt.Sprintf("device fault %d in %s: %s", uint32(f.Code), f.Op, f.Code)
}

// CheckStatus converts a driver status returned by op into nil, a *DeviceWarning or a *DeviceFault.
func CheckStatus(op string, code StatusCode) error {
	switch {
	case code == StatusOK:
		return nil
	case code.IsWarning():
		return &DeviceWarning{Code: code, Op: op}
	default:
		return &DeviceFault{Code: code, Op: op}
	}
}

// Kinds of configuration error. Test with errors.Is.
var (
	ErrInvalidRange        = errors.New("invalid range")
	ErrInvalidChannel      = errors.New("invalid channel")
	ErrInvalidRatioMode    = errors.New("invalid ratio mode")
	ErrUnsupportedDataType = errors.New("unsupported data type")
	ErrIntervalTooLong     = errors.New("streaming interval too long")
	ErrInvalidProbeScale   = errors.New("invalid probe scale")
	ErrInvalidResolution   = errors.New("invalid resolution")
	ErrInvalidSamples      = errors.New("invalid sample count")
	ErrInvalidTimebase     = errors.New("invalid timebase")
	ErrBadState            = errors.New("operation not allowed in this state")
	ErrSessionClosed       = errors.New("session is closed")
)

// ConfigError is a caller configuration mistake. It is never retried.
type ConfigError struct {
	Kind error
	msg  string
}

func newConfigError(kind error, format string, args ...any) *ConfigError {
	return &ConfigError{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.msg)
}

func (e *ConfigError) Unwrap() error {
	return e.Kind
}

// IsFault is true if err is or wraps a *DeviceFault.
func IsFault(err error) bool {
	var fault *DeviceFault
	return errors.As(err, &fault)
}
