package domain

import "strings"

// ImageRole says which image maps an image payload populates.
type ImageRole string

const (
	ImageRolePre  ImageRole = "Pre"
	ImageRolePost ImageRole = "Post"
	ImageRoleBoth ImageRole = "Both"
)

// ExecutionRequest asks the runner to execute one plugin type against a
// reconstructed server-side context. It is immutable once received.
type ExecutionRequest struct {
	RequestID         string `json:"requestId"`
	AssemblyPath      string `json:"assemblyPath"`
	TypeName          string `json:"typeName"`
	MessageName       string `json:"messageName"`
	PrimaryEntityName string `json:"primaryEntityName"`
	PrimaryEntityID   string `json:"primaryEntityId,omitempty"`
	Stage             string `json:"stage"`
	ExecutionMode     string `json:"executionMode,omitempty"`
	WriteMode         string `json:"writeMode,omitempty"`
	OrgURL            string `json:"orgUrl,omitempty"`
	AccessToken       string `json:"accessToken,omitempty"`

	TargetJSON     string    `json:"targetJson,omitempty"`
	PreImageJSON   string    `json:"preImageJson,omitempty"`
	PreImageAlias  string    `json:"preImageAlias,omitempty"`
	PostImageJSON  string    `json:"postImageJson,omitempty"`
	PostImageAlias string    `json:"postImageAlias,omitempty"`
	ImageRole      ImageRole `json:"imageRole,omitempty"`

	UnsecureConfig string `json:"unsecureConfig,omitempty"`
	SecureConfig   string `json:"secureConfig,omitempty"`

	// Depth is the caller's nesting depth; zero means a top-level call.
	Depth int `json:"depth,omitempty"`
}

// Environment is the platform environment the workspace targets.
type Environment struct {
	Name          string `json:"name,omitempty" yaml:"name"`
	OrgURL        string `json:"orgUrl" yaml:"org_url"`
	AccessToken   string `json:"accessToken,omitempty" yaml:"access_token"`
	UserID        string `json:"userId,omitempty" yaml:"user_id"`
	ExecutionMode string `json:"executionMode,omitempty" yaml:"execution_mode"`
	WriteMode     string `json:"writeMode,omitempty" yaml:"write_mode"`
	SchemaPath    string `json:"schemaPath,omitempty" yaml:"schema_path"`
}

// OrgKey is a filesystem-safe key identifying the environment's organization.
func (e Environment) OrgKey() string {
	key := strings.ToLower(strings.TrimSpace(e.OrgURL))
	key = strings.TrimPrefix(key, "https://")
	key = strings.TrimPrefix(key, "http://")
	key = strings.TrimRight(key, "/")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, key)
}

// Manifest lists the extension modules a workspace makes available.
type Manifest struct {
	Modules []ModuleSpec `json:"modules" yaml:"modules"`
}

// ModuleSpec declares one module file and where its dependencies live.
type ModuleSpec struct {
	Path              string   `json:"path" yaml:"path"`
	Dependencies      []string `json:"dependencies,omitempty" yaml:"dependencies"`
	DependencyFolders []string `json:"dependencyFolders,omitempty" yaml:"dependency_folders"`
}

// HTTPRequest is the native HTTP-shaped request intercepted from a client.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// HTTPResponse is the native HTTP-shaped response returned to the client.
type HTTPResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}
