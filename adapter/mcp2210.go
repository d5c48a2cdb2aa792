package adapter

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/karalabe/hid"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/adcap"
	"github.com/mklimuk/adcap/cmd/adcap/console"
)

const VendorID = 0x04D8
const ProductID = 0x00DE

const (
	cmdStatus         = 0x10
	cmdSetSPISettings = 0x40
	cmdGetSPISettings = 0x41
	cmdTransfer       = 0x42
)

const (
	statusOK             = 0x00
	statusBusUnavailable = 0xF7
	statusInProgress     = 0xF8
)

// engineFinished is the transfer engine status once chip select is released.
const engineFinished = 0x10

const reportLen = 64

// chunkLen is the SPI payload carried by one transfer report.
const chunkLen = 60

// MaxTransaction is the longest CS-held transaction the bridge accepts.
const MaxTransaction = 0xFFFF

// MaxClock is the fastest bit rate the bridge generates.
const MaxClock = 12 * physic.MegaHertz

const idleChipSelects = 0x01FF

var _ adcap.SPIBusCloser = &MCP2210{}
var _ adcap.Validator = &MCP2210{}

// HIDDevice is the report channel to the bridge.
type HIDDevice interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// MCP2210 drives a converter wired to one of the GP chip select pins of a
// Microchip MCP2210 USB to SPI bridge. Packets chained with KeepCS become one
// bridge transaction.
type MCP2210 struct {
	mx         sync.Mutex
	dev        HIDDevice
	request    []byte
	response   []byte
	tx, rx     []byte
	chipSelect int
	clock      physic.Frequency
	// configured is the transaction length the bridge currently holds, 0
	// before the first settings report.
	configured int
	maxPolls   int
	closed     bool
}

type MCP2210Status struct {
	ExternalRequestPending bool   `yaml:"external_request_pending"`
	BusOwner               string `yaml:"bus_owner"`
	PasswordAttempts       int    `yaml:"password_attempts"`
	PasswordGuessed        bool   `yaml:"password_guessed"`
}

type SPISettings struct {
	BitRate          uint32 `yaml:"bit_rate"`
	IdleChipSelect   uint16 `yaml:"idle_cs"`
	ActiveChipSelect uint16 `yaml:"active_cs"`
	CSToDataDelay    uint16 `yaml:"cs_to_data_delay"`
	DataToCSDelay    uint16 `yaml:"data_to_cs_delay"`
	InterByteDelay   uint16 `yaml:"inter_byte_delay"`
	BytesPerTransfer uint16 `yaml:"bytes_per_transaction"`
	Mode             byte   `yaml:"mode"`
}

// OpenMCP2210 opens the index-th bridge attached to the host.
func OpenMCP2210(index, chipSelect int, clock physic.Frequency) (*MCP2210, error) {
	devs := hid.Enumerate(VendorID, ProductID)
	if len(devs) == 0 {
		return nil, fmt.Errorf("%w: MCP2210 device not found", adcap.ErrDeviceAbsent)
	}
	if index < 0 || index >= len(devs) {
		return nil, fmt.Errorf("%w: no MCP2210 with index %d, %d attached", adcap.ErrInvalidHandle, index, len(devs))
	}
	dev, err := devs[index].Open()
	if err != nil {
		return nil, fmt.Errorf("%w: error opening device %s: %w", adcap.ErrInvalidHandle, devs[index].Path, err)
	}
	a, err := NewMCP2210(dev, chipSelect, clock)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return a, nil
}

func NewMCP2210(dev HIDDevice, chipSelect int, clock physic.Frequency) (*MCP2210, error) {
	if chipSelect < 0 || chipSelect > 8 {
		return nil, fmt.Errorf("%w: chip select GP%d does not exist", adcap.ErrInvalidHandle, chipSelect)
	}
	if clock <= 0 || clock > MaxClock {
		return nil, fmt.Errorf("%w: bit rate %s outside 1Hz-%s", adcap.ErrInvalidHandle, clock, MaxClock)
	}
	return &MCP2210{
		dev:        dev,
		request:    make([]byte, reportLen),
		response:   make([]byte, reportLen),
		chipSelect: chipSelect,
		clock:      clock,
		maxPolls:   100,
	}, nil
}

func (d *MCP2210) Validate(batchBytes int) error {
	if batchBytes <= 0 || batchBytes > MaxTransaction {
		return fmt.Errorf("%w: batch of %d bytes, the bridge accepts 1-%d", adcap.ErrInvalidHandle, batchBytes, MaxTransaction)
	}
	return nil
}

func (d *MCP2210) TxPackets(ctx context.Context, packets []adcap.Packet) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.closed {
		return fmt.Errorf("%w: adapter closed", adcap.ErrInvalidHandle)
	}
	for _, group := range transactions(packets) {
		if err := d.transaction(ctx, group); err != nil {
			return err
		}
	}
	return nil
}

func (d *MCP2210) Status(ctx context.Context) (*MCP2210Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatus
	if err := d.send(ctx); err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func (d *MCP2210) Settings(ctx context.Context) (*SPISettings, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdGetSPISettings
	if err := d.send(ctx); err != nil {
		return nil, fmt.Errorf("settings request failed: %w", err)
	}
	s := decodeSettings(d.response)
	return &s, nil
}

func (d *MCP2210) Close() error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.dev.Close()
}

func (d *MCP2210) settings(length int) SPISettings {
	return SPISettings{
		BitRate:          uint32(d.clock / physic.Hertz),
		IdleChipSelect:   idleChipSelects,
		ActiveChipSelect: idleChipSelects &^ (1 << d.chipSelect),
		BytesPerTransfer: uint16(length),
	}
}

func (d *MCP2210) transaction(ctx context.Context, group []adcap.Packet) error {
	d.tx = d.tx[:0]
	for _, p := range group {
		if len(p.R) < len(p.W) {
			return fmt.Errorf("%w: receive buffer of %d bytes for %d sent", adcap.ErrShortTransfer, len(p.R), len(p.W))
		}
		d.tx = append(d.tx, p.W...)
	}
	if len(d.tx) > MaxTransaction {
		return fmt.Errorf("transaction of %d bytes exceeds %d", len(d.tx), MaxTransaction)
	}
	if len(d.tx) != d.configured {
		if err := d.configure(ctx, len(d.tx)); err != nil {
			return err
		}
	}
	if cap(d.rx) < len(d.tx) {
		d.rx = make([]byte, len(d.tx))
	}
	d.rx = d.rx[:len(d.tx)]
	if err := d.exchange(ctx, d.tx, d.rx); err != nil {
		return err
	}
	off := 0
	for _, p := range group {
		off += copy(p.R, d.rx[off:off+len(p.W)])
	}
	return nil
}

func (d *MCP2210) configure(ctx context.Context, length int) error {
	d.resetBuffers()
	d.request[0] = cmdSetSPISettings
	encodeSettings(d.request, d.settings(length))
	if err := d.send(ctx); err != nil {
		return fmt.Errorf("spi settings request failed: %w", err)
	}
	if d.response[1] != statusOK {
		d.configured = 0
		return fmt.Errorf("%w: spi settings rejected with status %#x", adcap.ErrBusBusy, d.response[1])
	}
	d.configured = length
	return nil
}

// exchange feeds w to the bridge in report sized chunks and collects the
// bytes clocked in. The bridge hands back received data with a lag, so empty
// transfer reports are sent until the engine reports the end of the
// transaction.
func (d *MCP2210) exchange(ctx context.Context, w, r []byte) error {
	sent, recv, polls := 0, 0, 0
	for recv < len(w) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(chunkLen, len(w)-sent)
		d.resetBuffers()
		d.request[0] = cmdTransfer
		d.request[1] = byte(n)
		copy(d.request[4:], w[sent:sent+n])
		if err := d.send(ctx); err != nil {
			return fmt.Errorf("spi transfer request failed: %w", err)
		}
		switch d.response[1] {
		case statusOK:
		case statusInProgress:
			polls++
			if polls > d.maxPolls {
				return fmt.Errorf("%w: transfer still in progress after %d polls", adcap.ErrBusBusy, polls)
			}
			continue
		case statusBusUnavailable:
			return fmt.Errorf("%w: spi bus owned by an external master", adcap.ErrBusBusy)
		default:
			return fmt.Errorf("unexpected transfer status %#x", d.response[1])
		}
		sent += n
		got := int(d.response[2])
		if got > chunkLen || recv+got > len(r) {
			return fmt.Errorf("%w: bridge returned %d bytes, %d expected", adcap.ErrShortTransfer, recv+got, len(r))
		}
		copy(r[recv:], d.response[4:4+got])
		recv += got
		if got > 0 || n > 0 {
			polls = 0
		} else if polls++; polls > d.maxPolls {
			return fmt.Errorf("%w: no data after %d polls", adcap.ErrBusBusy, polls)
		}
		if d.response[3] == engineFinished && recv < len(w) {
			return fmt.Errorf("%w: transaction finished after %d of %d bytes", adcap.ErrShortTransfer, recv, len(w))
		}
	}
	return nil
}

func (d *MCP2210) send(ctx context.Context) error {
	console.Dump(ctx, "sending message to adapter", d.request)
	n, err := d.dev.Write(d.request)
	if err != nil {
		return fmt.Errorf("%w: could not write request: %w", adcap.ErrDeviceAbsent, err)
	}
	if n != reportLen {
		return fmt.Errorf("short write: %d", n)
	}
	n, err = d.dev.Read(d.response)
	if err != nil {
		return fmt.Errorf("%w: could not read response: %w", adcap.ErrDeviceAbsent, err)
	}
	if n != reportLen {
		return fmt.Errorf("short read: %d", n)
	}
	console.Dump(ctx, "read message from adapter", d.response)
	if d.response[0] != d.request[0] {
		return fmt.Errorf("response to command %#x received for %#x", d.response[0], d.request[0])
	}
	return nil
}

func (d *MCP2210) resetBuffers() {
	clear(d.request)
	clear(d.response)
}

// transactions splits packets after every packet that releases chip select.
func transactions(packets []adcap.Packet) [][]adcap.Packet {
	var out [][]adcap.Packet
	start := 0
	for i, p := range packets {
		if !p.KeepCS || i == len(packets)-1 {
			out = append(out, packets[start:i+1])
			start = i + 1
		}
	}
	return out
}

func encodeSettings(buf []byte, s SPISettings) {
	/*
		4-7:   bit rate, little endian
		8-9:   idle chip select values
		10-11: active chip select values
		12-13: CS to data delay, 100us units
		14-15: last data byte to CS delay
		16-17: delay between data bytes
		18-19: bytes per transaction
		20:    SPI mode
	*/
	binary.LittleEndian.PutUint32(buf[4:8], s.BitRate)
	binary.LittleEndian.PutUint16(buf[8:10], s.IdleChipSelect)
	binary.LittleEndian.PutUint16(buf[10:12], s.ActiveChipSelect)
	binary.LittleEndian.PutUint16(buf[12:14], s.CSToDataDelay)
	binary.LittleEndian.PutUint16(buf[14:16], s.DataToCSDelay)
	binary.LittleEndian.PutUint16(buf[16:18], s.InterByteDelay)
	binary.LittleEndian.PutUint16(buf[18:20], s.BytesPerTransfer)
	buf[20] = s.Mode
}

func decodeSettings(buf []byte) SPISettings {
	return SPISettings{
		BitRate:          binary.LittleEndian.Uint32(buf[4:8]),
		IdleChipSelect:   binary.LittleEndian.Uint16(buf[8:10]),
		ActiveChipSelect: binary.LittleEndian.Uint16(buf[10:12]),
		CSToDataDelay:    binary.LittleEndian.Uint16(buf[12:14]),
		DataToCSDelay:    binary.LittleEndian.Uint16(buf[14:16]),
		InterByteDelay:   binary.LittleEndian.Uint16(buf[16:18]),
		BytesPerTransfer: binary.LittleEndian.Uint16(buf[18:20]),
		Mode:             buf[20],
	}
}

func bufferToStatus(buf []byte) *MCP2210Status {
	owner := "none"
	switch buf[3] {
	case 0x01:
		owner = "usb"
	case 0x02:
		owner = "external"
	}
	return &MCP2210Status{
		ExternalRequestPending: buf[2] == 0x00,
		BusOwner:               owner,
		PasswordAttempts:       int(buf[4]),
		PasswordGuessed:        buf[5] == 0x01,
	}
}
