package message

// Method names understood by the agent.
const (
	MethodGetUserList        = "getUserList"
	MethodGetSystemInfo      = "getSystemInfo"
	MethodGetFileSystem      = "getFileSystem"
	MethodGetProcessList     = "getProcessList"
	MethodGetServiceList     = "getServiceList"
	MethodAddUser            = "addUser"
	MethodRemoveUser         = "removeUser"
	MethodChangeUserPassword = "changeUserPassword"
	MethodSetFilePermissions = "setFilePermissions"
	MethodManageService      = "manageService"
	MethodUploadFile         = "uploadFile"
	MethodDownloadFile       = "downloadFile"
)

// Per-method failure codes. These values are part of the wire contract and
// must stay stable across releases.
const (
	CodeAddUser            = -32001
	CodeRemoveUser         = -32002
	CodeChangeUserPassword = -32003
	CodeSetFilePermissions = -32004
	CodeManageService      = -32005
	CodeUploadFile         = -32006
	CodeDownloadFile       = -32007
)

// Protocol-level codes, aligned with JSON-RPC 2.0 where one exists.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	// CodeRateLimited is returned by the agent when its request budget is spent.
	CodeRateLimited = -32029
	// CodeInvalidResponse is produced locally by the client for a response that
	// carries neither result nor error.
	CodeInvalidResponse = -32098
	// CodeConnectionClosed is produced locally by the client for every request
	// still pending when its connection goes away.
	CodeConnectionClosed = -32099
)

// StatusSuccess is the status value of every successful mutation.
const StatusSuccess = "success"

// Status is the result payload of mutating methods.
type Status struct {
	Status string `json:"status"`
}

// failures maps each mutating method to its registry entry.
var failures = map[string]Error{
	MethodAddUser:            {Code: CodeAddUser, Message: "Failed to add user"},
	MethodRemoveUser:         {Code: CodeRemoveUser, Message: "Failed to remove user"},
	MethodChangeUserPassword: {Code: CodeChangeUserPassword, Message: "Failed to change password"},
	MethodSetFilePermissions: {Code: CodeSetFilePermissions, Message: "Failed to set permissions"},
	MethodManageService:      {Code: CodeManageService, Message: "Failed to manage service"},
	MethodUploadFile:         {Code: CodeUploadFile, Message: "Failed to upload file"},
	MethodDownloadFile:       {Code: CodeDownloadFile, Message: "Failed to download file"},
}

// FailureFor returns the registered failure for method. ok is false for
// read-only methods, which have no registry entry.
func FailureFor(method string) (Error, bool) {
	e, ok := failures[method]
	return e, ok
}

// UnknownMethod returns the fixed error for a method absent from the registry.
func UnknownMethod(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "Unknown method: " + method}
}
