package common

import (
	"errors"

	hashids "github.com/speps/go-hashids/v2"
)

var ErrInvalidDeviceId = errors.New("invalid device id")

type BasicResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

type StringResponse struct {
	Value string `json:"value"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// DeviceIds maps tracker serials to the opaque ids handed to API clients.
type DeviceIds struct {
	h *hashids.HashID
}

func NewDeviceIds(salt string, min_length int) (*DeviceIds, error) {
	hd := hashids.NewData()
	hd.Salt = salt
	hd.MinLength = min_length
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return nil, err
	}
	return &DeviceIds{h: h}, nil
}

func (d *DeviceIds) Encode(serial uint64) (string, error) {
	return d.h.EncodeInt64([]int64{int64(serial)})
}

func (d *DeviceIds) Decode(id string) (uint64, error) {
	if id == "" {
		return 0, ErrInvalidDeviceId
	}
	v, err := d.h.DecodeInt64WithError(id)
	if err != nil || len(v) != 1 || v[0] < 0 {
		return 0, ErrInvalidDeviceId
	}
	return uint64(v[0]), nil
}
