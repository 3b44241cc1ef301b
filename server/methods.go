package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"os-overview/capability"
	"os-overview/message"
)

var invalidParams = &message.Error{Code: message.CodeInvalidParams, Message: "Invalid params"}

// RegisterHost registers the twelve host methods backed by host.
//
// Read-only methods never fail on a capability error: they answer with an empty
// (or partial) result and log the cause. Mutating methods answer with their
// registry error on any failure, malformed params included.
func RegisterHost(d *Dispatcher, host *capability.Host, logger *slog.Logger) {
	h := &hostMethods{host: host, logger: logger}

	d.Register(message.MethodGetUserList, h.getUserList)
	d.Register(message.MethodGetSystemInfo, h.getSystemInfo)
	d.Register(message.MethodGetFileSystem, h.getFileSystem)
	d.Register(message.MethodGetProcessList, h.getProcessList)
	d.Register(message.MethodGetServiceList, h.getServiceList)

	d.Register(message.MethodAddUser, h.mutation(message.MethodAddUser, h.addUser))
	d.Register(message.MethodRemoveUser, h.mutation(message.MethodRemoveUser, h.removeUser))
	d.Register(message.MethodChangeUserPassword, h.mutation(message.MethodChangeUserPassword, h.changeUserPassword))
	d.Register(message.MethodSetFilePermissions, h.mutation(message.MethodSetFilePermissions, h.setFilePermissions))
	d.Register(message.MethodManageService, h.mutation(message.MethodManageService, h.manageService))
	d.Register(message.MethodUploadFile, h.mutation(message.MethodUploadFile, h.uploadFile))
	d.Register(message.MethodDownloadFile, h.downloadFile)
}

type hostMethods struct {
	host   *capability.Host
	logger *slog.Logger
}

// decodeParams accepts an absent or null params member as an empty object.
func decodeParams(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] != '{' {
		return fmt.Errorf("params must be an object")
	}
	return json.Unmarshal(raw, v)
}

func (h *hostMethods) degraded(method string, err error) {
	h.logger.Warn("capability failed, answering with an empty result",
		"method", method,
		"error", err,
	)
}

func (h *hostMethods) getUserList(ctx context.Context, _ json.RawMessage) (any, *message.Error) {
	users, err := h.host.Users.List(ctx)
	if err != nil {
		h.degraded(message.MethodGetUserList, err)
		return []string{}, nil
	}
	return users, nil
}

func (h *hostMethods) getSystemInfo(ctx context.Context, _ json.RawMessage) (any, *message.Error) {
	info, err := h.host.Metrics.Collect(ctx)
	if err != nil {
		h.degraded(message.MethodGetSystemInfo, err)
	}
	return info, nil
}

func (h *hostMethods) getFileSystem(ctx context.Context, params json.RawMessage) (any, *message.Error) {
	var p message.PathParams
	if err := decodeParams(params, &p); err != nil {
		return nil, invalidParams
	}
	entries, err := h.host.Files.List(ctx, p.Path)
	if err != nil {
		h.degraded(message.MethodGetFileSystem, err)
		return []capability.FileEntry{}, nil
	}
	return entries, nil
}

func (h *hostMethods) getProcessList(ctx context.Context, _ json.RawMessage) (any, *message.Error) {
	procs, err := h.host.Processes.List(ctx)
	if err != nil {
		h.degraded(message.MethodGetProcessList, err)
		return []capability.Process{}, nil
	}
	return procs, nil
}

func (h *hostMethods) getServiceList(ctx context.Context, _ json.RawMessage) (any, *message.Error) {
	services, err := h.host.Services.List(ctx)
	if err != nil {
		h.degraded(message.MethodGetServiceList, err)
		return []capability.Service{}, nil
	}
	return services, nil
}

// mutation adapts fn to a MethodFunc answering {"status":"success"} or the
// method's registry failure.
func (h *hostMethods) mutation(method string, fn func(context.Context, json.RawMessage) error) MethodFunc {
	failure, ok := message.FailureFor(method)
	if !ok {
		panic("server: no registry failure for " + method)
	}
	return func(ctx context.Context, params json.RawMessage) (any, *message.Error) {
		if err := fn(ctx, params); err != nil {
			h.logger.Warn("operation failed", "method", method, "error", err)
			e := failure
			return nil, &e
		}
		return message.Status{Status: message.StatusSuccess}, nil
	}
}

func (h *hostMethods) addUser(ctx context.Context, params json.RawMessage) error {
	var p message.UserParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	return h.host.Users.Add(ctx, p.Username, p.Password)
}

func (h *hostMethods) removeUser(ctx context.Context, params json.RawMessage) error {
	var p message.UserParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	return h.host.Users.Remove(ctx, p.Username)
}

func (h *hostMethods) changeUserPassword(ctx context.Context, params json.RawMessage) error {
	var p message.UserParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	return h.host.Users.ChangePassword(ctx, p.Username, p.Password)
}

func (h *hostMethods) setFilePermissions(ctx context.Context, params json.RawMessage) error {
	var p message.PermissionsParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	return h.host.Files.SetPermissions(ctx, p.Path, p.Permissions)
}

func (h *hostMethods) manageService(ctx context.Context, params json.RawMessage) error {
	var p message.ServiceParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	if !capability.ValidAction(p.Action) {
		return fmt.Errorf("%w: action %q", capability.ErrInvalidArgument, p.Action)
	}
	return h.host.Services.Manage(ctx, p.Service, p.Action)
}

func (h *hostMethods) uploadFile(ctx context.Context, params json.RawMessage) error {
	var p message.UploadParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return fmt.Errorf("decode upload data: %w", err)
	}
	return h.host.Files.WriteFile(ctx, p.RemotePath, data)
}

func (h *hostMethods) downloadFile(ctx context.Context, params json.RawMessage) (any, *message.Error) {
	failure, _ := message.FailureFor(message.MethodDownloadFile)

	var p message.DownloadParams
	if err := decodeParams(params, &p); err != nil {
		h.logger.Warn("operation failed", "method", message.MethodDownloadFile, "error", err)
		return nil, &failure
	}
	data, err := h.host.Files.ReadFile(ctx, p.RemotePath)
	if err != nil {
		h.logger.Warn("operation failed", "method", message.MethodDownloadFile, "error", err)
		return nil, &failure
	}

	savePath := p.SavePath
	if savePath == "" {
		savePath = filepath.Base(p.RemotePath)
	}
	return message.DownloadResult{
		SavePath: savePath,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}
