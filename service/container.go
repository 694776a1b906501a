package service

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"ioc-rpc/message"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type registered struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// ServiceInfo describes a registered service.
type ServiceInfo struct {
	Name    string   `json:"name"`
	Methods []string `json:"methods"`
}

// Container dispatches calls to registered receivers by reflection. A method is
// exported when it has one of the shapes
//
//	func (t *T) Method(args *A, reply *R) error
//	func (t *T) Method(ctx context.Context, args *A, reply *R) error
//
// The response Count is the length of a slice or map reply, 0 for a nil reply and 1
// otherwise.
type Container struct {
	name     string
	mu       sync.RWMutex
	services map[string]*registered
}

// NewContainer creates an empty container. name identifies it in cache keys.
func NewContainer(name string) *Container {
	return &Container{name: name, services: make(map[string]*registered)}
}

func (c *Container) ServiceName() string {
	return c.name
}

// Register registers rcvr under its type name.
func (c *Container) Register(rcvr any) error {
	return c.RegisterName("", rcvr)
}

// RegisterName registers rcvr under name, or its type name when name is empty.
func (c *Container) RegisterName(name string, rcvr any) error {
	// 1. 用 reflect.TypeOf / ValueOf 获取类型和值
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return errors.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return errors.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}

	svc := &registered{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: suitableMethods(typ),
	}
	if len(svc.method) == 0 {
		return errors.Errorf("rpc: %s has no exported methods of suitable type", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.services[name]; dup {
		return errors.Errorf("rpc: service already registered: %s", name)
	}
	c.services[name] = svc
	return nil
}

// suitableMethods 扫描导出方法，过滤出符合 RPC 签名的
func suitableMethods(typ reflect.Type) map[string]*methodType {
	methods := make(map[string]*methodType)
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}

		first := 1
		withCtx := mt.NumIn() == 4 && mt.In(1) == contextType
		if withCtx {
			first = 2
		} else if mt.NumIn() != 3 {
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}

		methods[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   mt.In(first).Elem(),
			ReplyType: mt.In(first + 1).Elem(),
		}
	}
	return methods
}

// Services lists the registered services and their methods, sorted by name.
func (c *Container) Services() []ServiceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ServiceInfo, 0, len(c.services))
	for name, svc := range c.services {
		info := ServiceInfo{Name: name}
		for m := range svc.method {
			info.Methods = append(info.Methods, m)
		}
		sort.Strings(info.Methods)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CallService decodes the parameters, invokes the method and encodes the reply.
func (c *Container) CallService(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
	start := time.Now()

	c.mu.RLock()
	svc := c.services[req.ServiceName]
	c.mu.RUnlock()
	if svc == nil {
		return message.NewErrorResponse(req, errors.Wrapf(message.ErrNotFound, "can't find service %s", req.ServiceName))
	}
	mtype := svc.method[req.MethodName]
	if mtype == nil {
		return message.NewErrorResponse(req, errors.Wrapf(message.ErrNotFound, "can't find method %s", req.ServiceMethod()))
	}

	argv := reflect.New(mtype.ArgType)
	replyv := reflect.New(mtype.ReplyType)
	if len(req.Parameters) > 0 {
		if err := json.Unmarshal(req.Parameters, argv.Interface()); err != nil {
			return message.NewErrorResponse(req, errors.Wrapf(err, "decode parameters of %s", req.ServiceMethod()))
		}
	}

	if err := svc.call(ctx, mtype, argv, replyv); err != nil {
		resp := message.NewErrorResponse(req, err)
		resp.ElapsedTime = time.Since(start).Milliseconds()
		return resp
	}

	value, err := json.Marshal(replyv.Interface())
	if err != nil {
		return message.NewErrorResponse(req, errors.Wrapf(err, "encode reply of %s", req.ServiceMethod()))
	}
	resp := message.NewResponse(req, value, count(replyv.Elem()))
	resp.ElapsedTime = time.Since(start).Milliseconds()
	return resp
}

// call 通过反射调用方法
func (s *registered) call(ctx context.Context, mtype *methodType, argv, replyv reflect.Value) error {
	var results []reflect.Value
	if mtype.withCtx {
		results = mtype.method.Func.Call([]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv})
	} else {
		results = mtype.method.Func.Call([]reflect.Value{s.rcvr, argv, replyv})
	}
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

func count(v reflect.Value) int {
	switch v.Kind() {
	case reflect.Slice, reflect.Map:
		return v.Len()
	case reflect.Array:
		return v.Len()
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return 0
		}
		return count(v.Elem())
	}
	return 1
}
