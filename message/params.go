package message

// Params and results of the methods whose shapes are not plain lists. Member
// names are part of the wire contract.

type PathParams struct {
	Path string `json:"path"`
}

type UserParams struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

type PermissionsParams struct {
	Path        string `json:"path"`
	Permissions string `json:"permissions"`
}

type ServiceParams struct {
	Service string `json:"service"`
	Action  string `json:"action"`
}

// UploadParams carries the file content base64-encoded (standard alphabet, padded).
type UploadParams struct {
	RemotePath string `json:"remotePath"`
	Data       string `json:"data"`
}

// DownloadParams.SavePath is where the client intends to store the file; the
// agent echoes it back so that asynchronous callers know where the data goes.
type DownloadParams struct {
	RemotePath string `json:"remotePath"`
	SavePath   string `json:"savePath,omitempty"`
}

type DownloadResult struct {
	SavePath string `json:"savePath"`
	Data     string `json:"data"`
}
