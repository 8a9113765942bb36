package metastore

import (
	"slices"
	"time"
)

type DeviceStatus string

const (
	StatusActive DeviceStatus = "active"
	StatusBanned DeviceStatus = "banned"
)

type Device struct {
	ID       string       `json:"id"`
	Name     string       `json:"name,omitempty"`
	Status   DeviceStatus `json:"status"`
	LastSeen *time.Time   `json:"lastSeen,omitempty"`
}

// Record is the single persisted document. An empty PasswordHash means the
// service has not been configured yet.
type Record struct {
	NASPath             string            `json:"nasPath,omitempty"`
	PasswordHash        string            `json:"passwordHash,omitempty"`
	TokenSecret         string            `json:"tokenSecret,omitempty"`
	PersistentSubdomain string            `json:"persistentSubdomain,omitempty"`
	FileHashes          map[string]string `json:"fileHashes,omitempty"`
	Devices             map[string]Device `json:"devices,omitempty"`
	BannedDevices       []string          `json:"bannedDevices,omitempty"`
}

func (r Record) IsConfigured() bool { return r.PasswordHash != "" }

func (r Record) IsBanned(deviceID string) bool {
	return slices.Contains(r.BannedDevices, deviceID)
}

// Clone returns a deep copy; callers of Read get clones so the cache can never
// be mutated outside the write queue.
func (r Record) Clone() Record {
	out := r
	if r.FileHashes != nil {
		out.FileHashes = make(map[string]string, len(r.FileHashes))
		for k, v := range r.FileHashes {
			out.FileHashes[k] = v
		}
	}
	if r.Devices != nil {
		out.Devices = make(map[string]Device, len(r.Devices))
		for k, d := range r.Devices {
			if d.LastSeen != nil {
				ts := *d.LastSeen
				d.LastSeen = &ts
			}
			out.Devices[k] = d
		}
	}
	if r.BannedDevices != nil {
		out.BannedDevices = slices.Clone(r.BannedDevices)
	}
	return out
}

// Patch lists the patchable fields. Nil pointers, maps and slices leave the
// field untouched; an empty non-nil map or slice clears it.
type Patch struct {
	NASPath             *string
	PasswordHash        *string
	TokenSecret         *string
	PersistentSubdomain *string
	FileHashes          map[string]string
	Devices             map[string]Device
	BannedDevices       []string
}

// Merge applies p on top of r with shallow, whole-field overwrite semantics.
func Merge(r Record, p Patch) Record {
	if p.NASPath != nil {
		r.NASPath = *p.NASPath
	}
	if p.PasswordHash != nil {
		r.PasswordHash = *p.PasswordHash
	}
	if p.TokenSecret != nil {
		r.TokenSecret = *p.TokenSecret
	}
	if p.PersistentSubdomain != nil {
		r.PersistentSubdomain = *p.PersistentSubdomain
	}
	// collections are copied so the caller keeps ownership of its patch
	patched := Record{FileHashes: p.FileHashes, Devices: p.Devices, BannedDevices: p.BannedDevices}.Clone()
	if p.FileHashes != nil {
		r.FileHashes = patched.FileHashes
	}
	if p.Devices != nil {
		r.Devices = patched.Devices
	}
	if p.BannedDevices != nil {
		r.BannedDevices = patched.BannedDevices
	}
	return r
}

// String is a convenience for building patches.
func String(s string) *string { return &s }
