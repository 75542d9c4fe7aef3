// Package udriver implements spec.md component UD: the user-space
// device-driver registration/messaging framework.
//
// Grounded on original_source/kern/udriv/{udriv,udriv_server_table}.c
// for the id-range rules and register/deregister/validate-port shape,
// and on the teacher's hashtable.go (chained-bucket id→record map) and
// circbuf.go (bounded single-reader FIFO, adapted here to hold payload
// words rather than bytes since a driver interrupt message is a small
// fixed record, not a byte stream).
package udriver

import (
	"sync"

	"pebble/internal/kerrors"
	"pebble/internal/klimits"
	"pebble/internal/vmm"
)

// DriverID names a registered device or server. Id ranges, per
// original_source's UDR_* constants: [0, MaxHW) is reserved for
// hardware devices, [MaxHW, MinAssignable) for well-known software
// servers, [MinAssignable, ...) dynamically assigned on registration
// with id == AssignRequest.
type DriverID uint32

const (
	MaxHW         DriverID = 32
	MinAssignable DriverID = 64
	AssignRequest DriverID = 0xFFFFFFFF
)

// PortRegion is an I/O port range a device's driver may access.
type PortRegion struct {
	Base uint32
	Len  uint32
}

// MMIORegion is a physical memory range a device's driver may map.
type MMIORegion struct {
	Phys uint32
	Len  uint32
}

// DeviceSpec is one entry of the permission tables (DeviceTable for
// hardware ids, ServerTable for well-known software ids).
type DeviceSpec struct {
	ID          DriverID
	IDTSlot     int
	PortRegions []PortRegion
	MMIORegions []MMIORegion
}

func (d DeviceSpec) ownsPort(port uint32) bool {
	for _, r := range d.PortRegions {
		if port >= r.Base && port < r.Base+r.Len {
			return true
		}
	}
	return false
}

func (d DeviceSpec) ownsMMIO(phys, length uint32) bool {
	for _, r := range d.MMIORegions {
		if phys >= r.Phys && phys+length <= r.Phys+r.Len {
			return true
		}
	}
	return false
}

// PermissionTable is a fixed list of DeviceSpecs looked up by id.
type PermissionTable []DeviceSpec

func (pt PermissionTable) find(id DriverID) (DeviceSpec, bool) {
	for _, d := range pt {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceSpec{}, false
}

// DefaultServerTable carries forward original_source's well-known
// com1/com2 print-server bindings, supplementing spec.md so the
// register-and-interrupt end-to-end scenario has concrete ids to
// exercise instead of an empty table.
var DefaultServerTable = PermissionTable{
	{ID: 33, IDTSlot: 32 + 4, PortRegions: []PortRegion{{Base: 0x3f8, Len: 8}}},
	{ID: 34, IDTSlot: 32 + 3, PortRegions: []PortRegion{{Base: 0x2f8, Len: 8}}},
}

// Record is one registered driver's state, spec.md section 3's Driver
// record.
type Record struct {
	ID               DriverID
	RegisteredThread uint32
	PendingMessages  [][]byte // bounded FIFO of payload words
	PayloadSize      int
	InPort           uint32
	InBytes          int

	mu sync.Mutex
}

func (r *Record) push(msg []byte) (dropped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.PendingMessages) >= klimits.DriverQueueDepth {
		return true // drop-newest-silent when full
	}
	r.PendingMessages = append(r.PendingMessages, msg)
	return false
}

func (r *Record) pop() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.PendingMessages) == 0 {
		return nil, false
	}
	msg := r.PendingMessages[0]
	r.PendingMessages = r.PendingMessages[1:]
	return msg, true
}

// Registry is the id → *Record map plus the dynamic-id allocator,
// grounded on the teacher's hashtable.go chained-bucket shape.
type Registry struct {
	DeviceTable PermissionTable
	ServerTable PermissionTable

	mu       sync.Mutex
	buckets  [klimits.DriverHashBuckets]map[DriverID]*Record
	nextID   DriverID
	Mmapper  *vmm.VMM
}

// NewRegistry builds an empty registry using deviceTable/serverTable as
// the hardware/well-known permission tables.
func NewRegistry(deviceTable, serverTable PermissionTable, vm *vmm.VMM) *Registry {
	reg := &Registry{DeviceTable: deviceTable, ServerTable: serverTable, nextID: MinAssignable, Mmapper: vm}
	for i := range reg.buckets {
		reg.buckets[i] = make(map[DriverID]*Record)
	}
	return reg
}

func (reg *Registry) bucket(id DriverID) map[DriverID]*Record {
	return reg.buckets[uint32(id)%klimits.DriverHashBuckets]
}

func (reg *Registry) lookupLocked(id DriverID) (*Record, bool) {
	r, ok := reg.bucket(id)[id]
	return r, ok
}

// Register implements handle_udriv_register: validates id against the
// permission tables, assigns a dynamic id on AssignRequest, and creates
// the driver record. Exactly one thread may register for a given id.
func (reg *Registry) Register(threadID uint32, id DriverID, inPort uint32, inBytes int) (DriverID, kerrors.Err) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if id != AssignRequest {
		if id >= MinAssignable {
			return 0, kerrors.INVAL
		}
		if _, exists := reg.lookupLocked(id); exists {
			return 0, kerrors.INVAL
		}
		if id < MaxHW {
			spec, ok := reg.DeviceTable.find(id)
			if !ok || !spec.ownsPort(inPort) {
				return 0, kerrors.INVAL
			}
			if inBytes != 0 && inBytes != 1 {
				return 0, kerrors.INVAL
			}
		} else {
			if _, ok := reg.ServerTable.find(id); !ok {
				return 0, kerrors.INVAL
			}
		}
	} else {
		id = reg.nextID
		reg.nextID++
	}

	rec := &Record{ID: id, RegisteredThread: threadID, PayloadSize: inBytes, InPort: inPort, InBytes: inBytes}
	reg.bucket(id)[id] = rec
	return id, kerrors.OK
}

// Deregister implements handle_udriv_deregister: only the registering
// thread may deregister. The record is deleted, so a hardware or
// well-known id can be registered again. A dynamically assigned id is
// not handed out again: the AssignRequest allocator only counts upward,
// and Register rejects explicit ids at or above MinAssignable.
func (reg *Registry) Deregister(threadID uint32, id DriverID) kerrors.Err {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rec, ok := reg.lookupLocked(id)
	if !ok || rec.RegisteredThread != threadID {
		return kerrors.INVAL
	}
	delete(reg.bucket(id), id)
	return kerrors.OK
}

// Send delivers a message to id's registered driver. Per spec.md, the
// FIFO is bounded and drops the newest message silently when full; the
// caller (internal/irq) is responsible for waking a WAITING registrant
// onto the scheduler's driver-priority queue after a successful push.
func (reg *Registry) Send(id DriverID, payload []byte) (delivered bool, err kerrors.Err) {
	reg.mu.Lock()
	rec, ok := reg.lookupLocked(id)
	reg.mu.Unlock()
	if !ok {
		return false, kerrors.INVAL
	}
	dropped := rec.push(payload)
	return !dropped, kerrors.OK
}

// Wait pops the next pending message for id, if any. Returning ok=false
// means the caller should block (mark itself WAITING and context
// switch) until woken by a future Send.
func (reg *Registry) Wait(threadID uint32, id DriverID) (payload []byte, ok bool, err kerrors.Err) {
	reg.mu.Lock()
	rec, exists := reg.lookupLocked(id)
	reg.mu.Unlock()
	if !exists || rec.RegisteredThread != threadID {
		return nil, false, kerrors.INVAL
	}
	msg, got := rec.pop()
	return msg, got, kerrors.OK
}

// ValidatePort reports whether id's permission table entry owns port,
// grounded on validate_port.
func (reg *Registry) ValidatePort(id DriverID, port uint32) bool {
	spec, ok := reg.DeviceTable.find(id)
	if !ok {
		return false
	}
	return spec.ownsPort(port)
}

// ThreadFor returns the thread id registered for id, used by
// internal/kernel to route a delivered message onto that thread's
// pending-driver queue and, if it is WAITING, the driver-priority queue.
func (reg *Registry) ThreadFor(id DriverID) (uint32, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rec, ok := reg.lookupLocked(id)
	if !ok {
		return 0, false
	}
	return rec.RegisteredThread, true
}

// OwnsPort reports whether threadID owns some registered driver whose
// permission-table entry declares port within its allowed port region,
// the check udriv_inb/udriv_outb perform.
func (reg *Registry) OwnsPort(threadID uint32, port uint32) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, b := range reg.buckets {
		for id, rec := range b {
			if rec.RegisteredThread != threadID {
				continue
			}
			if spec, ok := reg.DeviceTable.find(id); ok && spec.ownsPort(port) {
				return true
			}
		}
	}
	return false
}

// OwnerMmapID returns the id of some driver threadID owns whose
// permission-table entry declares [phys, phys+length) within its
// allowed MMIO region, the ownership check udriv_mmap performs before
// delegating to V.mmap.
func (reg *Registry) OwnerMmapID(threadID uint32, phys, length uint32) (DriverID, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, b := range reg.buckets {
		for id, rec := range b {
			if rec.RegisteredThread != threadID {
				continue
			}
			if spec, ok := reg.DeviceTable.find(id); ok && spec.ownsMMIO(phys, length) {
				return id, true
			}
		}
	}
	return 0, false
}

// Mmap validates phys/len against id's MMIO permission table, then
// delegates to vmm.Mmap.
func (reg *Registry) Mmap(as *vmm.AddressSpace, id DriverID, phys, virt, length uint32) kerrors.Err {
	spec, ok := reg.DeviceTable.find(id)
	if !ok || !spec.ownsMMIO(phys, length) {
		return kerrors.INVAL
	}
	return reg.Mmapper.Mmap(as, phys, virt, length)
}
