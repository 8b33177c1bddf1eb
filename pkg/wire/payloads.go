package wire

import (
	"bytes"
	"io"
)

// Wire type discriminators. 250-255 are reserved for future framing
// extensions the way the teacher reserved its streaming markers.
const (
	TypePing               byte = 1
	TypePong               byte = 2
	TypeCreateVm           byte = 10
	TypeVmCreated          byte = 11
	TypeListVms            byte = 12
	TypeVmList             byte = 13
	TypeVmStateChanged     byte = 20
	TypeVmScreenFrame      byte = 30
	TypeVmAudioFrame       byte = 31
	TypeTransferData       byte = 32
	TypeCryptoReset        byte = 40
	TypeInvalidRequestData byte = 99
)

func init() {
	DefaultRegistry.Register(TypePing, func() Payload { return &Ping{} })
	DefaultRegistry.Register(TypePong, func() Payload { return &Pong{} })
	DefaultRegistry.Register(TypeCreateVm, func() Payload { return &CreateVm{} })
	DefaultRegistry.Register(TypeVmCreated, func() Payload { return &VmCreated{} })
	DefaultRegistry.Register(TypeListVms, func() Payload { return &ListVms{} })
	DefaultRegistry.Register(TypeVmList, func() Payload { return &VmList{} })
	DefaultRegistry.Register(TypeVmStateChanged, func() Payload { return &VmStateChanged{} })
	DefaultRegistry.Register(TypeVmScreenFrame, func() Payload { return &VmScreenFrame{} })
	DefaultRegistry.Register(TypeVmAudioFrame, func() Payload { return &VmAudioFrame{} })
	DefaultRegistry.Register(TypeTransferData, func() Payload { return &TransferData{} })
	DefaultRegistry.Register(TypeCryptoReset, func() Payload { return &CryptoReset{} })
	DefaultRegistry.Register(TypeInvalidRequestData, func() Payload { return &InvalidRequestData{} })
}

// Ping is a liveness request; IsValid is unconditionally true (no fields).
type Ping struct{}

func (p *Ping) Kind() Kind     { return KindRequest }
func (p *Ping) TypeByte() byte { return TypePing }
func (p *Ping) IsValid() bool  { return true }
func (p *Ping) Marshal() ([]byte, error) {
	return []byte{}, nil
}
func (p *Ping) Unmarshal(data []byte) error { return nil }

// Pong answers a Ping, echoing its request id.
type Pong struct {
	ReqID MessageID
}

func (p *Pong) Kind() Kind               { return KindResponse }
func (p *Pong) TypeByte() byte           { return TypePong }
func (p *Pong) IsValid() bool            { return true }
func (p *Pong) RequestID() MessageID     { return p.ReqID }
func (p *Pong) Marshal() ([]byte, error) {
	b, _ := p.ReqID.MarshalBinary()
	return b, nil
}
func (p *Pong) Unmarshal(data []byte) error {
	if len(data) != 16 {
		return ErrInvalidMessage
	}
	return p.ReqID.UnmarshalBinary(data)
}

// CreateVm requests provisioning of a new virtual machine.
type CreateVm struct {
	Name    string
	Vcpus   uint32
	RamMiB  uint64
	DiskGiB uint64
}

func (c *CreateVm) Kind() Kind     { return KindRequest }
func (c *CreateVm) TypeByte() byte { return TypeCreateVm }
func (c *CreateVm) IsValid() bool {
	return c.Name != "" && c.Vcpus > 0 && c.RamMiB > 0
}
func (c *CreateVm) Marshal() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	if err := WriteString(buf, c.Name); err != nil {
		return nil, err
	}
	if err := WriteUint32(buf, c.Vcpus); err != nil {
		return nil, err
	}
	if err := WriteUint64(buf, c.RamMiB); err != nil {
		return nil, err
	}
	if err := WriteUint64(buf, c.DiskGiB); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
func (c *CreateVm) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	var err error
	if c.Name, err = ReadString(r); err != nil {
		return err
	}
	if c.Vcpus, err = ReadUint32(r); err != nil {
		return err
	}
	if c.RamMiB, err = ReadUint64(r); err != nil {
		return err
	}
	if c.DiskGiB, err = ReadUint64(r); err != nil {
		return err
	}
	return nil
}

// VmCreated answers CreateVm with the id assigned to the new VM.
type VmCreated struct {
	ReqID MessageID
	VmID  MessageID
}

func (v *VmCreated) Kind() Kind           { return KindResponse }
func (v *VmCreated) TypeByte() byte       { return TypeVmCreated }
func (v *VmCreated) IsValid() bool        { return true }
func (v *VmCreated) RequestID() MessageID { return v.ReqID }
func (v *VmCreated) Marshal() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	reqBytes, _ := v.ReqID.MarshalBinary()
	vmBytes, _ := v.VmID.MarshalBinary()
	buf.Write(reqBytes)
	buf.Write(vmBytes)
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
func (v *VmCreated) Unmarshal(data []byte) error {
	if len(data) != 32 {
		return ErrInvalidMessage
	}
	if err := v.ReqID.UnmarshalBinary(data[:16]); err != nil {
		return err
	}
	return v.VmID.UnmarshalBinary(data[16:])
}

// ListVms requests the set of known VMs; no fields, always valid.
type ListVms struct{}

func (l *ListVms) Kind() Kind                  { return KindRequest }
func (l *ListVms) TypeByte() byte              { return TypeListVms }
func (l *ListVms) IsValid() bool               { return true }
func (l *ListVms) Marshal() ([]byte, error)    { return []byte{}, nil }
func (l *ListVms) Unmarshal(data []byte) error { return nil }

// VmList answers ListVms with the known VM ids and names.
type VmList struct {
	ReqID MessageID
	Names []string
	IDs   []MessageID
}

func (v *VmList) Kind() Kind           { return KindResponse }
func (v *VmList) TypeByte() byte       { return TypeVmList }
func (v *VmList) IsValid() bool        { return len(v.Names) == len(v.IDs) }
func (v *VmList) RequestID() MessageID { return v.ReqID }
func (v *VmList) Marshal() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	reqBytes, _ := v.ReqID.MarshalBinary()
	buf.Write(reqBytes)
	if err := WriteUint32(buf, uint32(len(v.Names))); err != nil {
		return nil, err
	}
	for i, name := range v.Names {
		if err := WriteString(buf, name); err != nil {
			return nil, err
		}
		idBytes, _ := v.IDs[i].MarshalBinary()
		buf.Write(idBytes)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
func (v *VmList) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	var idBytes [16]byte
	if _, err := io.ReadFull(r, idBytes[:]); err != nil {
		return err
	}
	if err := v.ReqID.UnmarshalBinary(idBytes[:]); err != nil {
		return err
	}
	count, err := ReadUint32(r)
	if err != nil {
		return err
	}
	v.Names = make([]string, count)
	v.IDs = make([]MessageID, count)
	for i := uint32(0); i < count; i++ {
		if v.Names[i], err = ReadString(r); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, idBytes[:]); err != nil {
			return err
		}
		if err := v.IDs[i].UnmarshalBinary(idBytes[:]); err != nil {
			return err
		}
	}
	return nil
}

// VmStateChanged is a fire-and-forget lifecycle notification, reliably
// delivered over TCP.
type VmStateChanged struct {
	VmID  MessageID
	State string
}

func (s *VmStateChanged) Kind() Kind     { return KindInfoTCP }
func (s *VmStateChanged) TypeByte() byte { return TypeVmStateChanged }
func (s *VmStateChanged) IsValid() bool  { return s.State != "" }
func (s *VmStateChanged) Marshal() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	idBytes, _ := s.VmID.MarshalBinary()
	buf.Write(idBytes)
	if err := WriteString(buf, s.State); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
func (s *VmStateChanged) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	var idBytes [16]byte
	if _, err := io.ReadFull(r, idBytes[:]); err != nil {
		return err
	}
	if err := s.VmID.UnmarshalBinary(idBytes[:]); err != nil {
		return err
	}
	var err error
	s.State, err = ReadString(r)
	return err
}

// VmScreenFrame carries a single rendered video frame, sent best-effort
// over UDP.
type VmScreenFrame struct {
	VmID       MessageID
	WidthPx    uint32
	HeightPx   uint32
	SequenceNo uint64
	Pixels     []byte
}

func (f *VmScreenFrame) Kind() Kind     { return KindInfoUDP }
func (f *VmScreenFrame) TypeByte() byte { return TypeVmScreenFrame }
func (f *VmScreenFrame) IsValid() bool  { return f.WidthPx > 0 && f.HeightPx > 0 }
func (f *VmScreenFrame) Marshal() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	idBytes, _ := f.VmID.MarshalBinary()
	buf.Write(idBytes)
	WriteUint32(buf, f.WidthPx)
	WriteUint32(buf, f.HeightPx)
	WriteUint64(buf, f.SequenceNo)
	if err := WriteBytes(buf, f.Pixels); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
func (f *VmScreenFrame) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	var idBytes [16]byte
	if _, err := io.ReadFull(r, idBytes[:]); err != nil {
		return err
	}
	if err := f.VmID.UnmarshalBinary(idBytes[:]); err != nil {
		return err
	}
	var err error
	if f.WidthPx, err = ReadUint32(r); err != nil {
		return err
	}
	if f.HeightPx, err = ReadUint32(r); err != nil {
		return err
	}
	if f.SequenceNo, err = ReadUint64(r); err != nil {
		return err
	}
	f.Pixels, err = ReadBytes(r)
	return err
}

// VmAudioFrame carries a single audio packet, same shape as VmScreenFrame.
type VmAudioFrame struct {
	VmID       MessageID
	SequenceNo uint64
	SampleRate uint32
	Samples    []byte
}

func (a *VmAudioFrame) Kind() Kind     { return KindInfoUDP }
func (a *VmAudioFrame) TypeByte() byte { return TypeVmAudioFrame }
func (a *VmAudioFrame) IsValid() bool  { return a.SampleRate > 0 }
func (a *VmAudioFrame) Marshal() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	idBytes, _ := a.VmID.MarshalBinary()
	buf.Write(idBytes)
	WriteUint64(buf, a.SequenceNo)
	WriteUint32(buf, a.SampleRate)
	if err := WriteBytes(buf, a.Samples); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
func (a *VmAudioFrame) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	var idBytes [16]byte
	if _, err := io.ReadFull(r, idBytes[:]); err != nil {
		return err
	}
	if err := a.VmID.UnmarshalBinary(idBytes[:]); err != nil {
		return err
	}
	var err error
	if a.SequenceNo, err = ReadUint64(r); err != nil {
		return err
	}
	if a.SampleRate, err = ReadUint32(r); err != nil {
		return err
	}
	a.Samples, err = ReadBytes(r)
	return err
}

// TransferData is the distinguished info-udp variant an upload emits for
// each chunk it paces out.
type TransferData struct {
	StreamID MessageID
	Offset   uint64
	Bytes    []byte
}

func (t *TransferData) Kind() Kind     { return KindInfoUDP }
func (t *TransferData) TypeByte() byte { return TypeTransferData }
func (t *TransferData) IsValid() bool  { return len(t.Bytes) > 0 }
func (t *TransferData) Marshal() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	idBytes, _ := t.StreamID.MarshalBinary()
	buf.Write(idBytes)
	WriteUint64(buf, t.Offset)
	if err := WriteBytes(buf, t.Bytes); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
func (t *TransferData) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	var idBytes [16]byte
	if _, err := io.ReadFull(r, idBytes[:]); err != nil {
		return err
	}
	if err := t.StreamID.UnmarshalBinary(idBytes[:]); err != nil {
		return err
	}
	var err error
	if t.Offset, err = ReadUint64(r); err != nil {
		return err
	}
	t.Bytes, err = ReadBytes(r)
	return err
}

// CryptoReset announces a UDP rekey: a fresh master key and salt, sent only
// over the authenticated TCP path.
type CryptoReset struct {
	Key  [32]byte
	Salt [32]byte
}

func (c *CryptoReset) Kind() Kind     { return KindInfoTCP }
func (c *CryptoReset) TypeByte() byte { return TypeCryptoReset }
func (c *CryptoReset) IsValid() bool  { return true }
func (c *CryptoReset) Marshal() ([]byte, error) {
	out := make([]byte, 64)
	copy(out[:32], c.Key[:])
	copy(out[32:], c.Salt[:])
	return out, nil
}
func (c *CryptoReset) Unmarshal(data []byte) error {
	if len(data) != 64 {
		return ErrInvalidMessage
	}
	copy(c.Key[:], data[:32])
	copy(c.Salt[:], data[32:])
	return nil
}

// InvalidRequestData is the sentinel response sent whenever an incoming
// request fails its variant's IsValid predicate.
type InvalidRequestData struct {
	ReqID  MessageID
	Reason string
}

func (i *InvalidRequestData) Kind() Kind           { return KindResponse }
func (i *InvalidRequestData) TypeByte() byte       { return TypeInvalidRequestData }
func (i *InvalidRequestData) IsValid() bool        { return true }
func (i *InvalidRequestData) RequestID() MessageID { return i.ReqID }
func (i *InvalidRequestData) Marshal() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)
	idBytes, _ := i.ReqID.MarshalBinary()
	buf.Write(idBytes)
	if err := WriteString(buf, i.Reason); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
func (i *InvalidRequestData) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	var idBytes [16]byte
	if _, err := io.ReadFull(r, idBytes[:]); err != nil {
		return err
	}
	if err := i.ReqID.UnmarshalBinary(idBytes[:]); err != nil {
		return err
	}
	var err error
	i.Reason, err = ReadString(r)
	return err
}

