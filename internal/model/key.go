package model

import (
	"fmt"
	"strings"
)

// KeySep separates the parts of the serialized JobKey.
const KeySep = "-"

// JobKey identifies one logical automation run: a family (v1, v2, ...),
// the device it drives and the locality it works on. Its string form
// "{family}-{deviceId}-{locality}" is a stable, externally visible contract.
//
// Family and DeviceID must not contain KeySep, Locality may.
type JobKey struct {
	Family   string
	DeviceID string
	Locality string
}

// NewJobKey returns a validated key.
func NewJobKey(family, deviceID, locality string) (JobKey, error) {
	k := JobKey{
		Family:   strings.TrimSpace(family),
		DeviceID: strings.TrimSpace(deviceID),
		Locality: strings.TrimSpace(locality),
	}
	if err := k.Validate(); err != nil {
		return JobKey{}, err
	}
	return k, nil
}

// ParseJobKey splits s on the first two separators.
func ParseJobKey(s string) (JobKey, error) {
	parts := strings.SplitN(s, KeySep, 3)
	if len(parts) != 3 {
		return JobKey{}, fmt.Errorf("%w: %q: expected {family}-{deviceId}-{locality}", ErrInvalidKey, s)
	}
	return NewJobKey(parts[0], parts[1], parts[2])
}

func (k JobKey) Validate() error {
	switch {
	case k.Family == "":
		return fmt.Errorf("%w: family is empty", ErrInvalidKey)
	case k.DeviceID == "":
		return fmt.Errorf("%w: device id is empty", ErrInvalidKey)
	case k.Locality == "":
		return fmt.Errorf("%w: locality is empty", ErrInvalidKey)
	case strings.Contains(k.Family, KeySep):
		return fmt.Errorf("%w: family %q contains %q", ErrInvalidKey, k.Family, KeySep)
	case strings.Contains(k.DeviceID, KeySep):
		return fmt.Errorf("%w: device id %q contains %q", ErrInvalidKey, k.DeviceID, KeySep)
	}
	return nil
}

func (k JobKey) String() string {
	return k.Family + KeySep + k.DeviceID + KeySep + k.Locality
}

func (k JobKey) IsZero() bool {
	return k == JobKey{}
}

// MarshalText makes JobKey usable as a JSON object key.
func (k JobKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *JobKey) UnmarshalText(b []byte) error {
	parsed, err := ParseJobKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
