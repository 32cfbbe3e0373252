package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	LocalStorage  StorageKind = "local"
	RemoteStorage StorageKind = "remote"
)

var (
	ErrMissingId         = errors.New("entity identifier is required")
	ErrUnknownKind       = errors.New("unknown storage kind")
	ErrNegativeBandwidth = errors.New("bandwidth quantities must be non-negative")
	ErrUsageExceedsMax   = errors.New("used bandwidth exceeds maximum bandwidth")
)

// StorageKind is either LocalStorage or RemoteStorage.
type StorageKind string

func (k StorageKind) String() string {
	return string(k)
}

// ParseStorageKind converts the "type" field of a storage document into a StorageKind.
func ParseStorageKind(s string) (StorageKind, error) {
	switch StorageKind(strings.ToLower(s)) {
	case LocalStorage:
		return LocalStorage, nil
	case RemoteStorage:
		return RemoteStorage, nil
	default:
		return "", fmt.Errorf("%w: \"%s\"", ErrUnknownKind, s)
	}
}

// Storage is a storage endpoint from which data is read or to which data is written by the DTNs that serve it.
//
// The Used fields of a registered Storage are the baseline usage reported at registration time. Live usage is
// owned by the bandwidth ledger and is never written back into the registered record.
type Storage struct {
	Id          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Kind        StorageKind     `json:"type" yaml:"type"`
	UsedReadBW  decimal.Decimal `json:"used_read_bw" yaml:"used_read_bw"`
	UsedWriteBW decimal.Decimal `json:"used_write_bw" yaml:"used_write_bw"`
	MaxReadBW   decimal.Decimal `json:"max_read_bw" yaml:"max_read_bw"`
	MaxWriteBW  decimal.Decimal `json:"max_write_bw" yaml:"max_write_bw"`
}

// NewStorage creates a new, validated Storage and returns a pointer to it.
func NewStorage(id string, name string, kind StorageKind, usedRead, usedWrite, maxRead, maxWrite float64) (*Storage, error) {
	s := &Storage{
		Id:          id,
		Name:        name,
		Kind:        kind,
		UsedReadBW:  decimal.NewFromFloat(usedRead),
		UsedWriteBW: decimal.NewFromFloat(usedWrite),
		MaxReadBW:   decimal.NewFromFloat(maxRead),
		MaxWriteBW:  decimal.NewFromFloat(maxWrite),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Validate checks the required fields and the capacity invariants of the Storage.
func (s *Storage) Validate() error {
	if s.Id == "" {
		return ErrMissingId
	}

	if _, err := ParseStorageKind(string(s.Kind)); err != nil {
		return err
	}

	return validateBandwidth(s.Id, "read", s.UsedReadBW, s.MaxReadBW, "write", s.UsedWriteBW, s.MaxWriteBW)
}

// Clone returns a copy of the Storage.
func (s *Storage) Clone() *Storage {
	clone := *s
	return &clone
}

func (s *Storage) GetId() string {
	return s.Id
}

func (s *Storage) String() string {
	return fmt.Sprintf("Storage[Id=%s,Name=%s,Kind=%s,Read=%s/%s,Write=%s/%s]", s.Id, s.Name, s.Kind,
		s.UsedReadBW.String(), s.MaxReadBW.String(), s.UsedWriteBW.String(), s.MaxWriteBW.String())
}

// DTN is a data transfer node. It moves blocks between the storages it is linked to.
type DTN struct {
	Id      string          `json:"id" yaml:"id"`
	Host    string          `json:"host" yaml:"host"`
	BwIn    decimal.Decimal `json:"bwin" yaml:"bwin"`
	BwOut   decimal.Decimal `json:"bwout" yaml:"bwout"`
	UsedIn  decimal.Decimal `json:"used_in" yaml:"used_in"`
	UsedOut decimal.Decimal `json:"used_out" yaml:"used_out"`
}

// NewDTN creates a new, validated DTN and returns a pointer to it.
//
// DTN documents are keyed by host name in the site seed data, so an empty id falls back to the host.
func NewDTN(id string, host string, bwIn, bwOut, usedIn, usedOut float64) (*DTN, error) {
	d := &DTN{
		Id:      id,
		Host:    host,
		BwIn:    decimal.NewFromFloat(bwIn),
		BwOut:   decimal.NewFromFloat(bwOut),
		UsedIn:  decimal.NewFromFloat(usedIn),
		UsedOut: decimal.NewFromFloat(usedOut),
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}

	return d, nil
}

// Validate checks the required fields and the capacity invariants of the DTN.
func (d *DTN) Validate() error {
	if d.Id == "" {
		d.Id = d.Host
	}

	if d.Id == "" {
		return ErrMissingId
	}

	return validateBandwidth(d.Id, "in", d.UsedIn, d.BwIn, "out", d.UsedOut, d.BwOut)
}

func (d *DTN) Clone() *DTN {
	clone := *d
	return &clone
}

func (d *DTN) GetId() string {
	return d.Id
}

func (d *DTN) String() string {
	return fmt.Sprintf("DTN[Id=%s,Host=%s,In=%s/%s,Out=%s/%s]", d.Id, d.Host,
		d.UsedIn.String(), d.BwIn.String(), d.UsedOut.String(), d.BwOut.String())
}

// Link (an "sdmap" entry) denotes that a DTN can serve a Storage.
type Link struct {
	Storage string `json:"storage" yaml:"storage"`
	DTN     string `json:"dtn" yaml:"dtn"`
}

// Key uniquely identifies the (storage, dtn) pair.
func (l Link) Key() string {
	return l.Storage + "->" + l.DTN
}

func (l Link) String() string {
	return fmt.Sprintf("Link[%s -> %s]", l.Storage, l.DTN)
}

func validateBandwidth(id string, firstName string, firstUsed, firstMax decimal.Decimal,
	secondName string, secondUsed, secondMax decimal.Decimal) error {

	for _, q := range []decimal.Decimal{firstUsed, firstMax, secondUsed, secondMax} {
		if q.IsNegative() {
			return fmt.Errorf("%w (entity %s)", ErrNegativeBandwidth, id)
		}
	}

	if firstUsed.GreaterThan(firstMax) {
		return fmt.Errorf("%w (entity %s, %s: %s > %s)", ErrUsageExceedsMax, id, firstName,
			firstUsed.String(), firstMax.String())
	}

	if secondUsed.GreaterThan(secondMax) {
		return fmt.Errorf("%w (entity %s, %s: %s > %s)", ErrUsageExceedsMax, id, secondName,
			secondUsed.String(), secondMax.String())
	}

	return nil
}
