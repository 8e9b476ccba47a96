package tools

import "time"

// Schema defaults for the timeout parameters; deployments override
// them through Options.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultCommandTimeout = 60 * time.Second
)

// Options adjusts the advertised schemas and the connect policy.
type Options struct {
	// AllowedAuthMethods restricts ssh_connect. Empty allows all of
	// key, password, agent.
	AllowedAuthMethods []string
	// ConnectTimeout is the advertised default for ssh_connect timeout.
	ConnectTimeout time.Duration
	// CommandTimeout is the advertised default for ssh_execute timeout.
	CommandTimeout time.Duration
}

func (o *Options) normalize() {
	if len(o.AllowedAuthMethods) == 0 {
		o.AllowedAuthMethods = []string{"key", "password", "agent"}
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
}

// RegisterAll registers the full SSH tool catalogue against the pool.
func RegisterAll(r *Registry, pool ConnectionPool, opts Options) {
	opts.normalize()
	registerConnectionTools(r, pool, opts)
	registerFileTools(r, pool)
}

// registerConnectionTools registers connection lifecycle and exec tools.
func registerConnectionTools(r *Registry, pool ConnectionPool, opts Options) {
	r.Register(&Tool{
		Name:        "ssh_connect",
		Description: "Establish an SSH connection to a remote host",
		Params: []Param{
			{Name: "hostname", Type: TypeString, Required: true,
				Description: "Hostname or IP address of the remote host"},
			{Name: "username", Type: TypeString, Required: true,
				Description: "SSH username"},
			{Name: "port", Type: TypeInteger, Default: 22,
				Minimum: bound(1), Maximum: bound(65535),
				Description: "SSH port"},
			{Name: "auth_method", Type: TypeString, Default: "agent",
				Enum:        []string{"key", "password", "agent"},
				Description: "Authentication method"},
			{Name: "key_path", Type: TypeString,
				Description: "Path to the private key file (auth_method=key)"},
			{Name: "password", Type: TypeString,
				Description: "SSH password (auth_method=password)"},
			{Name: "timeout", Type: TypeInteger,
				Default: int(opts.ConnectTimeout.Seconds()),
				Minimum: bound(1), Maximum: bound(300),
				Description: "Connection timeout in seconds"},
		},
		Handler: createConnectHandler(pool, opts),
	})

	r.Register(&Tool{
		Name:        "ssh_execute",
		Description: "Execute a shell command on an established connection",
		Params: []Param{
			{Name: "connection_id", Type: TypeString, Required: true,
				Description: "Handle returned by ssh_connect"},
			{Name: "command", Type: TypeString, Required: true,
				Description: "Shell command to execute"},
			{Name: "timeout", Type: TypeInteger,
				Default: int(opts.CommandTimeout.Seconds()),
				Minimum: bound(1), Maximum: bound(3600),
				Description: "Command timeout in seconds"},
		},
		Handler: createExecuteHandler(pool),
	})

	r.Register(&Tool{
		Name:        "ssh_disconnect",
		Description: "Close an SSH connection and release its handle",
		Params: []Param{
			{Name: "connection_id", Type: TypeString, Required: true,
				Description: "Handle returned by ssh_connect"},
		},
		Handler: createDisconnectHandler(pool),
	})

	r.Register(&Tool{
		Name:        "ssh_list_connections",
		Description: "List all active SSH connections",
		Handler:     createListConnectionsHandler(pool),
	})
}

// registerFileTools registers the SFTP-backed file tools.
func registerFileTools(r *Registry, pool ConnectionPool) {
	r.Register(&Tool{
		Name:        "ssh_read_file",
		Description: "Read the contents of a remote file",
		Params: []Param{
			{Name: "connection_id", Type: TypeString, Required: true,
				Description: "Handle returned by ssh_connect"},
			{Name: "file_path", Type: TypeString, Required: true,
				Description: "Remote file path to read"},
			{Name: "encoding", Type: TypeString, Default: "utf-8",
				Description: "Text encoding (utf-8 or ascii)"},
		},
		Handler: createReadFileHandler(pool),
	})

	r.Register(&Tool{
		Name:        "ssh_write_file",
		Description: "Write content to a remote file",
		Params: []Param{
			{Name: "connection_id", Type: TypeString, Required: true,
				Description: "Handle returned by ssh_connect"},
			{Name: "file_path", Type: TypeString, Required: true,
				Description: "Remote file path to write"},
			{Name: "content", Type: TypeString, Required: true,
				Description: "Content to write"},
			{Name: "encoding", Type: TypeString, Default: "utf-8",
				Description: "Text encoding (utf-8 or ascii)"},
			{Name: "create_dirs", Type: TypeBoolean, Default: false,
				Description: "Create parent directories if missing"},
		},
		Handler: createWriteFileHandler(pool),
	})

	r.Register(&Tool{
		Name:        "ssh_list_directory",
		Description: "List the contents of a remote directory",
		Params: []Param{
			{Name: "connection_id", Type: TypeString, Required: true,
				Description: "Handle returned by ssh_connect"},
			{Name: "directory_path", Type: TypeString, Required: true,
				Description: "Remote directory path to list"},
			{Name: "show_hidden", Type: TypeBoolean, Default: false,
				Description: "Include entries starting with a dot"},
			{Name: "detailed", Type: TypeBoolean, Default: false,
				Description: "Include size, permissions, owner and timestamps"},
		},
		Handler: createListDirectoryHandler(pool),
	})
}
