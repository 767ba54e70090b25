// Copyright 2018 The xfsgo Authors
// This file is part of the xfsgo library.
//
// The xfsgo library is free software: you can redistribute it and/or modify
// it under the terms of the MIT Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The xfsgo library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// MIT Lesser General Public License for more details.
//
// You should have received a copy of the MIT Lesser General Public License
// along with the xfsgo library. If not, see <https://mit-license.org/>.

// Package rpcserver is the node's diagnostic surface: a reflect-dispatched
// JSON-RPC 2.0 server over HTTP POST and websocket, carried over almost
// wholesale from the teacher's rpcserver.go (service registration by
// name, method-suitability filtering, gin+websocket transport) — the core
// itself names no RPC methods (spec section 6 scopes the wire protocol to
// transport/consensus, leaving diagnostics as an external collaborator),
// so this package only wires up read-only handlers over the chain
// manager, mempool, and reputation registry (see handlers.go).
package rpcserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"go/token"
	"io"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"budlum/internal/blog"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const jsonrpcVersion = "2.0"

var (
	invalidRequestError = NewRPCError(-32600, "invalid request")
	methodNotFoundError = NewRPCError(-32601, "method not found")
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name    string
	rcvr    reflect.Value
	typ     reflect.Type
	methods map[string]*methodType
}

type jsonRPCObj struct {
	jsonrpc string
	id      *int
	method  string
	params  interface{}
}

type jsonRPCRespErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Config carries the listen address and logger, matching the teacher's
// RPCConfig shape.
type Config struct {
	ListenAddr string
	Logger     blog.Logger
}

// Server is the diagnostic RPC server.
type Server struct {
	logger     blog.Logger
	config     *Config
	ginEngine  *gin.Engine
	upgrader   websocket.Upgrader
	serviceMap map[string]*service
}

func ginLogger(log blog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(c.Errors) > 0 {
			log.Errorln(c.Errors.ByType(gin.ErrorTypePrivate).String())
		}
	}
}

func ginCors() gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", "*")
			c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, UPDATE")
			c.Header("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
			c.Header("Access-Control-Expose-Headers", "Content-Length, Access-Control-Allow-Origin, Access-Control-Allow-Headers, Cache-Control, Content-Language, Content-Type")
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		if method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
		}
		c.Next()
	}
}

func New(cfg *Config) *Server {
	s := &Server{
		logger:     cfg.Logger,
		config:     cfg,
		serviceMap: make(map[string]*service),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if s.logger == nil {
		s.logger = blog.Default()
	}
	gin.DefaultWriter = s.logger.Writer()
	gin.SetMode("release")
	s.ginEngine = gin.New()
	s.ginEngine.Use(ginLogger(s.logger))
	s.ginEngine.Use(gin.Recovery())
	s.ginEngine.Use(ginCors())
	return s
}

func (s *service) callMethod(mtype *methodType, params interface{}) (interface{}, error) {
	function := mtype.method.Func
	argIsValue := false
	var argv reflect.Value
	if mtype.ArgType.Kind() == reflect.Ptr {
		argv = reflect.New(mtype.ArgType.Elem())
	} else {
		argv = reflect.New(mtype.ArgType)
		argIsValue = true
	}
	if argIsValue {
		argv = argv.Elem()
	}
	if params != nil {
		switch reflect.TypeOf(params).Kind() {
		case reflect.Slice:
			paramsArr, _ := params.([]interface{})
			if len(paramsArr) != argv.NumField() {
				return nil, NewRPCError(-32602, "invalid params")
			}
			for i := 0; i < argv.NumField(); i++ {
				argv.Field(i).Set(reflect.ValueOf(paramsArr[i]))
			}
		case reflect.Map:
			paramsMap := params.(map[string]interface{})
			for i := 0; i < argv.NumField(); i++ {
				fieldInfo := argv.Type().Field(i)
				name := fieldInfo.Tag.Get("json")
				if name == "" {
					name = strings.ToLower(fieldInfo.Name)
				}
				name = strings.Split(name, ",")[0]
				if value, ok := paramsMap[name]; ok {
					if reflect.ValueOf(value).Type() == argv.FieldByName(fieldInfo.Name).Type() {
						argv.FieldByName(fieldInfo.Name).Set(reflect.ValueOf(value))
					} else if val, ok := reflect.ValueOf(value).Interface().(json.Number); ok {
						iv, err := val.Int64()
						if err != nil {
							return nil, err
						}
						data := int(iv)
						if argv.FieldByName(fieldInfo.Name).Type() == reflect.TypeOf(data) {
							argv.FieldByName(fieldInfo.Name).Set(reflect.ValueOf(data))
						}
					}
				}
			}
		}
	}
	replyv := reflect.New(mtype.ReplyType.Elem())
	switch mtype.ReplyType.Elem().Kind() {
	case reflect.Map:
		replyv.Elem().Set(reflect.MakeMap(mtype.ReplyType.Elem()))
	case reflect.Slice:
		replyv.Elem().Set(reflect.MakeSlice(mtype.ReplyType.Elem(), 0, 0))
	}
	returnValues := function.Call([]reflect.Value{s.rcvr, argv, replyv})
	if errInter := returnValues[0].Interface(); errInter != nil {
		return nil, errInter.(error)
	}
	return replyv.Interface(), nil
}

func (s *Server) Register(rcvr interface{}) error {
	return s.register(rcvr, "", false)
}

// RegisterName exposes rcvr's suitable methods under name, e.g. "Chain".
func (s *Server) RegisterName(name string, rcvr interface{}) error {
	return s.register(rcvr, name, true)
}

func isExportedOrBuiltinType(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return token.IsExported(t.Name()) || t.PkgPath() == ""
}

var typeOfError = reflect.TypeOf((*error)(nil)).Elem()

// suitableMethods keeps only methods shaped func(Args, *Reply) error, the
// same signature convention net/rpc and the teacher's dispatcher use.
func suitableMethods(typ reflect.Type) map[string]*methodType {
	methods := make(map[string]*methodType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		if method.PkgPath != "" || mtype.NumIn() != 3 || mtype.NumOut() != 1 {
			continue
		}
		argType := mtype.In(1)
		if !isExportedOrBuiltinType(argType) {
			continue
		}
		replyType := mtype.In(2)
		if replyType.Kind() != reflect.Ptr {
			continue
		}
		if mtype.Out(0) != typeOfError {
			continue
		}
		methods[method.Name] = &methodType{method: method, ArgType: argType, ReplyType: replyType}
	}
	return methods
}

func (s *Server) register(rcvr interface{}, name string, useName bool) error {
	svc := &service{typ: reflect.TypeOf(rcvr), rcvr: reflect.ValueOf(rcvr)}
	sname := reflect.Indirect(svc.rcvr).Type().Name()
	if useName {
		sname = name
	}
	if sname == "" {
		return fmt.Errorf("rpcserver: no service name for type %s", svc.typ.String())
	}
	if !token.IsExported(sname) && !useName {
		return fmt.Errorf("rpcserver: type %s is not exported", sname)
	}
	svc.name = sname
	svc.methods = suitableMethods(svc.typ)
	s.serviceMap[sname] = svc
	return nil
}

func (s *Server) getServiceAndMethodType(pack string) (*service, *methodType, error) {
	parts := strings.Split(pack, ".")
	if len(parts) != 2 {
		return nil, nil, methodNotFoundError
	}
	svc := s.serviceMap[parts[0]]
	if svc == nil {
		return nil, nil, methodNotFoundError
	}
	mtype := svc.methods[parts[1]]
	if mtype == nil {
		return nil, nil, methodNotFoundError
	}
	return svc, mtype, nil
}

func (s *Server) parseJsonRPCObj(jsonObjMap map[string]interface{}, obj *jsonRPCObj) error {
	idNumber, ok := jsonObjMap["id"].(json.Number)
	if !ok {
		return invalidRequestError
	}
	id, err := strconv.Atoi(idNumber.String())
	if err != nil {
		return NewRPCError(-32600, err.Error())
	}
	obj.id = &id
	version, ok := jsonObjMap["jsonrpc"].(string)
	if !ok || version != jsonrpcVersion {
		return invalidRequestError
	}
	obj.jsonrpc = version
	method, ok := jsonObjMap["method"].(string)
	if !ok {
		return invalidRequestError
	}
	obj.method = method
	obj.params = jsonObjMap["params"]
	return nil
}

func (s *Server) jsonRPCCall(data []byte, rpcID **int, w io.Writer) error {
	var decoded interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return NewRPCError(-32700, "parse error")
	}
	jsonObjMap, ok := decoded.(map[string]interface{})
	if !ok {
		return invalidRequestError
	}
	obj := &jsonRPCObj{}
	if err := s.parseJsonRPCObj(jsonObjMap, obj); err != nil {
		*rpcID = obj.id
		return err
	}
	*rpcID = obj.id

	svc, mtype, err := s.getServiceAndMethodType(obj.method)
	if err != nil {
		return err
	}
	if m, ok := obj.params.(map[string]interface{}); ok && len(m) == 0 {
		obj.params = nil
	}
	rec, err := svc.callMethod(mtype, obj.params)
	if err != nil {
		return err
	}
	out := map[string]interface{}{"jsonrpc": jsonrpcVersion, "id": obj.id, "result": rec}
	data, _ = json.Marshal(out)
	_, err = w.Write(data)
	return err
}

func httperr(c *gin.Context, status int, err error) {
	c.String(status, "%s", err)
	c.Abort()
}

func writeRPCError(err error, reqID *int, w io.Writer) {
	rpcErr, isRPCErr := err.(*RPCError)
	e := jsonRPCRespErr{Code: -32603, Message: "internal error"}
	if isRPCErr {
		e.Code, e.Message = rpcErr.Code, rpcErr.Message
	}
	out := map[string]interface{}{"jsonrpc": jsonrpcVersion, "id": reqID, "error": e}
	data, _ := json.Marshal(out)
	_, _ = w.Write(data)
}

func isWebsocketRequest(c *gin.Context) bool {
	return c.GetHeader("Connection") == "Upgrade" && c.GetHeader("Upgrade") == "websocket"
}

func (s *Server) handleWebsocket(c *gin.Context) error {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	for {
		t, msg, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		if t != websocket.TextMessage {
			continue
		}
		buf := bytes.NewBuffer(nil)
		var rpcID *int
		if err := s.jsonRPCCall(msg, &rpcID, buf); err != nil {
			writeRPCError(err, rpcID, buf)
		}
		if err := conn.WriteMessage(t, buf.Bytes()); err != nil {
			return nil
		}
	}
}

// Listen binds cfg.ListenAddr, returning any bind error synchronously so
// callers (cmd/budlumd's daemon command) can distinguish a network bind
// failure from a config error and exit with the right status code. Route
// registration happens here too since RunListener below needs it wired
// before Accept starts.
func (s *Server) Listen() (net.Listener, error) {
	s.ginEngine.Any("/", func(c *gin.Context) {
		if isWebsocketRequest(c) {
			if err := s.handleWebsocket(c); err != nil {
				s.logger.Warnf("rpcserver: websocket error: %v", err)
			}
			c.Abort()
			return
		}
		if c.Request.Method != http.MethodPost {
			httperr(c, http.StatusNotFound, errors.New("method not allowed"))
			return
		}
		if c.ContentType() != "application/json" {
			httperr(c, http.StatusNotAcceptable, errors.New("not acceptable"))
			return
		}
		if c.Request.Body == nil {
			httperr(c, http.StatusBadRequest, errors.New("body must not be empty"))
			return
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			httperr(c, http.StatusInternalServerError, fmt.Errorf("read body: %w", err))
			return
		}
		c.Status(http.StatusOK)
		c.Header("Content-Type", "application/json; charset=utf-8")
		var rpcID *int
		if err := s.jsonRPCCall(body, &rpcID, c.Writer); err != nil {
			writeRPCError(err, rpcID, c.Writer)
		}
		c.Abort()
	})

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return nil, err
	}
	s.logger.Infof("rpcserver: listening on %s", ln.Addr())
	return ln, nil
}

// Serve blocks handling requests on ln until it errors or is closed.
func (s *Server) Serve(ln net.Listener) error {
	return s.ginEngine.RunListener(ln)
}

// Start binds and serves in one call, blocking until the listener errors.
func (s *Server) Start() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}
