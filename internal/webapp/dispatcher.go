package webapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"
	"nuha.dev/tk103tracker/internal/report"
	"nuha.dev/tk103tracker/internal/util"
	"nuha.dev/tk103tracker/internal/webapp/common"
)

// Dispatcher calls registered functions by name. A function has the shape
// func(ctx, *Req, *Res) error or func(ctx, *Res) error; the request body is
// decoded into Req and validated before the call.
type Dispatcher struct {
	funcs     map[string]_function
	validator *validator.Validate
}

type _function struct {
	reqType reflect.Type
	resType reflect.Type
	handler reflect.Value
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{}
	d.funcs = make(map[string]_function)
	d.validator = validator.New()
	return d
}

func (disp *Dispatcher) Call(funcname string, w http.ResponseWriter, r *http.Request) {
	_func, ok := disp.funcs[funcname]
	if !ok {
		util.JsonWrite(w, http.StatusNotFound, &common.ErrorResponse{Error: fmt.Sprintf("function \"%s\" not found", funcname)})
		return
	}
	response := reflect.New(_func.resType)
	var err_ref []reflect.Value
	if _func.reqType != nil {
		request := reflect.New(_func.reqType)
		err := json.NewDecoder(r.Body).Decode(request.Interface())
		if err != nil && !errors.Is(err, io.EOF) {
			util.JsonWrite(w, http.StatusBadRequest, &common.ErrorResponse{Error: err.Error()})
			return
		}
		err = disp.validator.Struct(request.Interface())
		if err != nil {
			util.JsonWrite(w, http.StatusBadRequest, &common.ErrorResponse{Error: err.Error()})
			return
		}
		err_ref = _func.handler.Call([]reflect.Value{reflect.ValueOf(r.Context()), request, response})
	} else {
		err_ref = _func.handler.Call([]reflect.Value{reflect.ValueOf(r.Context()), response})
	}
	if !err_ref[0].IsNil() {
		err := err_ref[0].Interface().(error)
		status := statusOf(err)
		if status == http.StatusInternalServerError {
			hlog.FromRequest(r).Error().Err(err).Str("func", funcname).Msg("function failed")
		}
		util.JsonWrite(w, status, &common.ErrorResponse{Error: err.Error()})
		return
	}
	if err := util.JsonWrite(w, http.StatusOK, response.Interface()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("")
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, report.ErrInvalidDate):
		return http.StatusBadRequest
	case errors.Is(err, report.ErrNoData), errors.Is(err, common.ErrInvalidDeviceId):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (disp *Dispatcher) Add(funcname string, f interface{}) {
	s := _function{}
	s.handler = reflect.ValueOf(f)
	if s.handler.Type().NumIn() == 2 {
		s.reqType = nil
		s.resType = s.handler.Type().In(1).Elem()
	} else {
		s.reqType = s.handler.Type().In(1).Elem()
		s.resType = s.handler.Type().In(2).Elem()
	}
	disp.funcs[funcname] = s
}
