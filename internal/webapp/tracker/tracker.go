package tracker

import (
	"context"

	"nuha.dev/tk103tracker/internal/gpsv2/server"
	"nuha.dev/tk103tracker/internal/report"
	"nuha.dev/tk103tracker/internal/webapp/common"
)

type ConnLister interface {
	Connections(ctx context.Context) ([]server.ConnInfo, error)
}

type DeviceRequestModel struct {
	DeviceId string `json:"device_id" validate:"required"`
}

type TripReportRequestModel struct {
	DeviceId string `json:"device_id" validate:"required"`
	Date     string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

type SerialRequestModel struct {
	Serial uint64 `json:"serial" validate:"required"`
}

type DatesResponseModel struct {
	DeviceId string             `json:"device_id"`
	Dates    []report.DateEntry `json:"alldates"`
}

type TripReportResponseModel struct {
	DeviceId string `json:"device_id"`
	report.Report
}

type ConnectionModel struct {
	server.ConnInfo
	DeviceId string `json:"device_id,omitempty"`
}

type ConnectionsResponseModel struct {
	Connections []ConnectionModel `json:"connections"`
}

type Tracker struct {
	reports *report.Service
	conns   ConnLister
	ids     *common.DeviceIds
}

func NewTrackerApi(reports *report.Service, conns ConnLister, ids *common.DeviceIds) *Tracker {
	return &Tracker{reports: reports, conns: conns, ids: ids}
}

func (t *Tracker) GetAvailableDates(ctx context.Context, req *DeviceRequestModel, res *DatesResponseModel) error {
	serial, err := t.ids.Decode(req.DeviceId)
	if err != nil {
		return err
	}
	dates, err := t.reports.Dates(ctx, serial)
	if err != nil {
		return err
	}
	res.DeviceId = req.DeviceId
	res.Dates = dates
	return nil
}

func (t *Tracker) GetTripReport(ctx context.Context, req *TripReportRequestModel, res *TripReportResponseModel) error {
	serial, err := t.ids.Decode(req.DeviceId)
	if err != nil {
		return err
	}
	r, err := t.reports.Build(ctx, serial, req.Date)
	if err != nil {
		return err
	}
	res.DeviceId = req.DeviceId
	res.Report = *r
	return nil
}

func (t *Tracker) GetConnections(ctx context.Context, res *ConnectionsResponseModel) error {
	list, err := t.conns.Connections(ctx)
	if err != nil {
		return err
	}
	res.Connections = make([]ConnectionModel, 0, len(list))
	for _, c := range list {
		m := ConnectionModel{ConnInfo: c}
		if c.Serial != 0 {
			m.DeviceId, _ = t.ids.Encode(c.Serial)
		}
		res.Connections = append(res.Connections, m)
	}
	return nil
}

func (t *Tracker) GetDeviceId(ctx context.Context, req *SerialRequestModel, res *common.StringResponse) error {
	id, err := t.ids.Encode(req.Serial)
	if err != nil {
		return err
	}
	res.Value = id
	return nil
}
