// Package option loads seafevents options from seafevents.conf, seafile.conf and ccnet.conf.
package option

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Storage unit.
const (
	KB = 1000
	MB = 1000000
	GB = 1000000000
	TB = 1000000000000
)

// DBOptions describes one database connection.
type DBOptions struct {
	// "mysql" or "sqlite"
	Type       string
	Host       string
	Port       int
	User       string
	Password   string
	Name       string
	UnixSocket string
	UseTLS     bool
	Charset    string
	// Path of the database file when Type is sqlite.
	Path string
}

// StorageOptions describes one storage class, configured in a [storage:<id>] section.
type StorageOptions struct {
	ID string
	// "fs" or "s3"
	Backend string
	// Root directory for the fs backend.
	Dir string

	// S3 options. One bucket per object type.
	CommitBucket string
	FsBucket     string
	BlockBucket  string
	Region       string
	Endpoint     string
	KeyID        string
	Key          string
	PathStyle    bool
}

var (
	// CentralDir is the directory holding all configuration files.
	CentralDir string
	// SeafileDataDir is where the default storage lives.
	SeafileDataDir string

	// databases
	SeahubDB  DBOptions
	SeafileDB DBOptions
	CcnetDB   DBOptions
	// GROUP options
	GroupTableName string

	DBOpTimeout time.Duration

	// redis
	HasRedisOptions bool
	RedisHost       string
	RedisPort       uint32
	RedisPasswd     string
	RedisDB         int
	EventChannel    string
	AuditChannel    string

	// http api
	Host string
	Port uint32

	// Go log level
	LogLevel string

	// audit
	EnableAudit bool

	// file history
	EnableFileHistory    bool
	FileHistorySuffixes  []string
	FileHistoryThreshold int

	// collab server
	EnableCollabServer bool
	CollabServerURL    string
	CollabServerKey    string

	// deleted files alert
	EnableDeletedFilesAlert    bool
	DeletedFilesOnceThreshold  int64
	DeletedFilesTotalThreshold int64

	// repo monitor
	MonitorCacheTTL time.Duration

	// filename index
	EnableIndex     bool
	IndexDir        string
	IndexWorkers    int
	IndexJobTimeout time.Duration

	// metadata server
	EnableMetadata    bool
	MetadataServerURL string
	MetadataSecretKey string

	// webhook
	EnableWebhook    bool
	WebhookWorkers   int
	WebhookTimeout   time.Duration
	WebhookRateLimit float64

	// content scan
	EnableContentScan   bool
	ContentScanWorkers  int
	ContentScanSuffixes []string
	ContentScanKeywords []string
	ContentScanMaxSize  int64
	ContentScanTimeout  time.Duration

	// office converter
	EnableOfficeConverter   bool
	OfficeConverterWorkers  int
	OfficeConverterBinary   string
	OfficeConverterOutDir   string
	OfficeConverterTimeout  time.Duration
	OfficeConverterMaxSize  int64
	OfficeConverterDocTypes []string

	// archive
	EnableArchive    bool
	ArchiveWorkers   int
	ArchiveStorageID string
	ArchiveTimeout   time.Duration

	// storage classes, keyed by storage id. The empty id is the default storage.
	StorageClasses map[string]*StorageOptions

	// worker pools
	TaskQueueSize int
	TaskStatusTTL time.Duration

	// JWT secret shared with seahub.
	JWTPrivateKey string
)

func initDefaultOptions() {
	SeafileDataDir = ""
	SeahubDB, SeafileDB, CcnetDB = DBOptions{}, DBOptions{}, DBOptions{}
	HasRedisOptions = false
	RedisPasswd = ""
	RedisDB = 0
	JWTPrivateKey = ""
	EnableAudit = false
	EnableFileHistory = false
	EnableCollabServer, CollabServerURL, CollabServerKey = false, "", ""
	EnableDeletedFilesAlert = false
	EnableIndex, IndexDir = false, ""
	EnableMetadata, MetadataServerURL, MetadataSecretKey = false, "", ""
	EnableWebhook = false
	EnableContentScan, ContentScanKeywords = false, nil
	EnableOfficeConverter, OfficeConverterOutDir = false, ""
	EnableArchive, ArchiveStorageID = false, ""

	Host = "127.0.0.1"
	Port = 8889
	LogLevel = "info"
	DBOpTimeout = 60 * time.Second
	GroupTableName = "Group"

	RedisHost = "127.0.0.1"
	RedisPort = 6379
	EventChannel = "seaf_server.event"
	AuditChannel = "seahub.audit"

	FileHistorySuffixes = []string{"md", "txt", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "sdoc"}
	FileHistoryThreshold = 50

	DeletedFilesOnceThreshold = 500
	DeletedFilesTotalThreshold = 1000

	MonitorCacheTTL = 10 * time.Minute

	IndexWorkers = 2
	IndexJobTimeout = 30 * time.Minute

	WebhookWorkers = 2
	WebhookTimeout = 30 * time.Second
	WebhookRateLimit = 5

	ContentScanWorkers = 2
	ContentScanSuffixes = []string{"txt", "md", "csv", "json", "xml", "html"}
	ContentScanMaxSize = 10 * MB
	ContentScanTimeout = 5 * time.Minute

	OfficeConverterWorkers = 2
	OfficeConverterBinary = "soffice"
	OfficeConverterTimeout = 5 * time.Minute
	OfficeConverterMaxSize = 50 * MB
	OfficeConverterDocTypes = []string{"doc", "docx", "ppt", "pptx", "xls", "xlsx", "odt", "odp", "ods"}

	ArchiveWorkers = 1
	ArchiveTimeout = 6 * time.Hour

	TaskQueueSize = 100
	TaskStatusTTL = 30 * time.Minute

	StorageClasses = make(map[string]*StorageOptions)
}

// LoadOptions loads all options from the config files in centralDir.
func LoadOptions(centralDir string) error {
	CentralDir = centralDir
	initDefaultOptions()

	eventsConfPath := filepath.Join(centralDir, "seafevents.conf")
	opts := ini.LoadOptions{}
	opts.SpaceBeforeInlineComment = true
	config, err := ini.LoadSources(opts, eventsConfPath)
	if err != nil {
		return fmt.Errorf("failed to load seafevents.conf: %w", err)
	}
	if err := parseEventsConfig(config); err != nil {
		return err
	}

	seafileConfPath := filepath.Join(centralDir, "seafile.conf")
	if config, err := ini.Load(seafileConfPath); err == nil {
		if section, err := config.GetSection("database"); err == nil {
			SeafileDB = parseDBSection(section, false)
		}
	} else {
		log.Infof("No seafile.conf found, seafile database uses seafevents database: %v", err)
	}
	if SeafileDB.Type == "" {
		SeafileDB = SeahubDB
	}

	ccnetConfPath := filepath.Join(centralDir, "ccnet.conf")
	if config, err := ini.Load(ccnetConfPath); err == nil {
		if section, err := config.GetSection("Database"); err == nil {
			CcnetDB = parseDBSection(section, true)
		}
		if section, err := config.GetSection("GROUP"); err == nil {
			if key, err := section.GetKey("TABLE_NAME"); err == nil {
				GroupTableName = key.String()
			}
		}
	}
	if CcnetDB.Type == "" {
		CcnetDB = SeahubDB
	}

	return nil
}

func parseEventsConfig(config *ini.File) error {
	section, err := config.GetSection("DATABASE")
	if err != nil {
		return fmt.Errorf("no DATABASE section in seafevents.conf")
	}
	SeahubDB = parseDBSection(section, false)
	if SeahubDB.Type == "" {
		return fmt.Errorf("no database type in seafevents.conf")
	}

	if section, err := config.GetSection("seafevents"); err == nil {
		if key, err := section.GetKey("host"); err == nil {
			Host = key.String()
		}
		if key, err := section.GetKey("port"); err == nil {
			if port, err := key.Uint(); err == nil {
				Port = uint32(port)
			}
		}
		if key, err := section.GetKey("log_level"); err == nil {
			LogLevel = key.String()
		}
		if key, err := section.GetKey("seafile_data_dir"); err == nil {
			SeafileDataDir = key.String()
		}
		if key, err := section.GetKey("task_queue_size"); err == nil {
			if n, err := key.Int(); err == nil && n > 0 {
				TaskQueueSize = n
			}
		}
		if key, err := section.GetKey("task_status_ttl"); err == nil {
			if n, err := key.Int(); err == nil && n > 0 {
				TaskStatusTTL = time.Duration(n) * time.Second
			}
		}
	}

	if section, err := config.GetSection("REDIS"); err == nil {
		HasRedisOptions = true
		if key, err := section.GetKey("server"); err == nil {
			RedisHost = key.String()
		}
		if key, err := section.GetKey("port"); err == nil {
			if port, err := key.Uint(); err == nil {
				RedisPort = uint32(port)
			}
		}
		if key, err := section.GetKey("password"); err == nil {
			RedisPasswd = key.String()
		}
		if key, err := section.GetKey("db"); err == nil {
			RedisDB, _ = key.Int()
		}
		if key, err := section.GetKey("event_channel"); err == nil {
			EventChannel = key.String()
		}
	}

	if section, err := config.GetSection("AUTH"); err == nil {
		if key, err := section.GetKey("secret_key"); err == nil {
			JWTPrivateKey = key.String()
		}
	}

	if section, err := config.GetSection("AUDIT"); err == nil {
		if key, err := section.GetKey("enabled"); err == nil {
			EnableAudit, _ = key.Bool()
		}
	}

	if section, err := config.GetSection("FILE HISTORY"); err == nil {
		if key, err := section.GetKey("enabled"); err == nil {
			EnableFileHistory, _ = key.Bool()
		}
		if key, err := section.GetKey("suffix"); err == nil {
			FileHistorySuffixes = parseList(key.String())
		}
		if key, err := section.GetKey("threshold"); err == nil {
			if n, err := key.Int(); err == nil && n > 0 {
				FileHistoryThreshold = n
			}
		}
	}

	if section, err := config.GetSection("COLLAB_SERVER"); err == nil {
		if key, err := section.GetKey("enabled"); err == nil {
			EnableCollabServer, _ = key.Bool()
		}
		if key, err := section.GetKey("server_url"); err == nil {
			CollabServerURL = strings.TrimRight(key.String(), "/")
		}
		if key, err := section.GetKey("key"); err == nil {
			CollabServerKey = key.String()
		}
		if EnableCollabServer && CollabServerURL == "" {
			log.Warn("collab server is enabled but server_url is not set, disable it.")
			EnableCollabServer = false
		}
	}

	if section, err := config.GetSection("DELETED FILES ALERT"); err == nil {
		if key, err := section.GetKey("enabled"); err == nil {
			EnableDeletedFilesAlert, _ = key.Bool()
		}
		if key, err := section.GetKey("once_threshold"); err == nil {
			if n, err := key.Int64(); err == nil && n > 0 {
				DeletedFilesOnceThreshold = n
			}
		}
		if key, err := section.GetKey("total_threshold"); err == nil {
			if n, err := key.Int64(); err == nil && n > 0 {
				DeletedFilesTotalThreshold = n
			}
		}
	}

	if section, err := config.GetSection("REPO MONITOR"); err == nil {
		if key, err := section.GetKey("cache_ttl"); err == nil {
			if n, err := key.Int(); err == nil && n > 0 {
				MonitorCacheTTL = time.Duration(n) * time.Second
			}
		}
	}

	if section, err := config.GetSection("INDEX"); err == nil {
		if key, err := section.GetKey("enabled"); err == nil {
			EnableIndex, _ = key.Bool()
		}
		if key, err := section.GetKey("index_dir"); err == nil {
			IndexDir = key.String()
		}
		IndexWorkers = parseWorkers(section, IndexWorkers)
	}
	if section, err := config.GetSection("METADATA"); err == nil {
		if key, err := section.GetKey("enabled"); err == nil {
			EnableMetadata, _ = key.Bool()
		}
		if key, err := section.GetKey("server_url"); err == nil {
			MetadataServerURL = strings.TrimRight(key.String(), "/")
		}
		if key, err := section.GetKey("secret_key"); err == nil {
			MetadataSecretKey = key.String()
		}
	}
	if EnableMetadata && MetadataServerURL == "" {
		log.Warn("metadata server is enabled but server_url is not set, disable it.")
		EnableMetadata = false
	}
	// The metadata server is fed by the index updater, which keeps its progress in the index.
	if EnableMetadata {
		EnableIndex = true
	}
	if EnableIndex && IndexDir == "" {
		IndexDir = filepath.Join(CentralDir, "..", "seafevents-index")
	}

	if section, err := config.GetSection("WEBHOOK"); err == nil {
		if key, err := section.GetKey("enabled"); err == nil {
			EnableWebhook, _ = key.Bool()
		}
		WebhookWorkers = parseWorkers(section, WebhookWorkers)
		if key, err := section.GetKey("timeout"); err == nil {
			if n, err := key.Int(); err == nil && n > 0 {
				WebhookTimeout = time.Duration(n) * time.Second
			}
		}
		if key, err := section.GetKey("rate_limit"); err == nil {
			if f, err := key.Float64(); err == nil && f > 0 {
				WebhookRateLimit = f
			}
		}
	}

	if section, err := config.GetSection("CONTENT SCAN"); err == nil {
		if key, err := section.GetKey("enabled"); err == nil {
			EnableContentScan, _ = key.Bool()
		}
		ContentScanWorkers = parseWorkers(section, ContentScanWorkers)
		if key, err := section.GetKey("suffix"); err == nil {
			ContentScanSuffixes = parseList(key.String())
		}
		if key, err := section.GetKey("keywords"); err == nil {
			ContentScanKeywords = parseList(key.String())
		}
		if key, err := section.GetKey("max_size"); err == nil {
			if size := parseSize(key.String()); size > 0 {
				ContentScanMaxSize = size
			}
		}
	}

	if section, err := config.GetSection("OFFICE CONVERTER"); err == nil {
		if key, err := section.GetKey("enabled"); err == nil {
			EnableOfficeConverter, _ = key.Bool()
		}
		OfficeConverterWorkers = parseWorkers(section, OfficeConverterWorkers)
		if key, err := section.GetKey("binary"); err == nil {
			OfficeConverterBinary = key.String()
		}
		if key, err := section.GetKey("outputdir"); err == nil {
			OfficeConverterOutDir = key.String()
		}
		if key, err := section.GetKey("timeout"); err == nil {
			if n, err := key.Int(); err == nil && n > 0 {
				OfficeConverterTimeout = time.Duration(n) * time.Second
			}
		}
		if key, err := section.GetKey("max_size"); err == nil {
			if size := parseSize(key.String()); size > 0 {
				OfficeConverterMaxSize = size
			}
		}
	}
	if EnableOfficeConverter && OfficeConverterOutDir == "" {
		OfficeConverterOutDir = filepath.Join("/tmp", "seafile-office-output")
	}

	if section, err := config.GetSection("ARCHIVE"); err == nil {
		if key, err := section.GetKey("enabled"); err == nil {
			EnableArchive, _ = key.Bool()
		}
		ArchiveWorkers = parseWorkers(section, ArchiveWorkers)
		if key, err := section.GetKey("storage_id"); err == nil {
			ArchiveStorageID = key.String()
		}
	}

	for _, section := range config.Sections() {
		name := section.Name()
		if !strings.HasPrefix(name, "storage:") {
			continue
		}
		storage := parseStorageSection(strings.TrimPrefix(name, "storage:"), section)
		StorageClasses[storage.ID] = storage
	}
	if EnableArchive {
		if _, ok := StorageClasses[ArchiveStorageID]; !ok || ArchiveStorageID == "" {
			return fmt.Errorf("archive storage %q is not configured", ArchiveStorageID)
		}
	}

	return nil
}

// parseDBSection parses a database section. ccnet.conf uses upper case key names.
func parseDBSection(section *ini.Section, upper bool) DBOptions {
	name := func(s string) string {
		if upper {
			return strings.ToUpper(s)
		}
		return s
	}
	var opts DBOptions
	opts.Port = 3306
	opts.Charset = "utf8mb4"
	typeKey := "type"
	if upper {
		typeKey = "ENGINE"
	}
	if key, err := section.GetKey(typeKey); err == nil {
		opts.Type = strings.ToLower(key.String())
	}
	if key, err := section.GetKey(name("host")); err == nil {
		opts.Host = key.String()
	}
	if key, err := section.GetKey(name("port")); err == nil {
		if port, err := key.Int(); err == nil {
			opts.Port = port
		}
	}
	if key, err := section.GetKey(name("username")); err == nil {
		opts.User = key.String()
	} else if key, err := section.GetKey(name("user")); err == nil {
		opts.User = key.String()
	}
	if key, err := section.GetKey(name("password")); err == nil {
		opts.Password = key.String()
	} else if key, err := section.GetKey(name("passwd")); err == nil {
		opts.Password = key.String()
	}
	if key, err := section.GetKey(name("name")); err == nil {
		opts.Name = key.String()
	} else if key, err := section.GetKey(name("db_name")); err == nil {
		opts.Name = key.String()
	} else if key, err := section.GetKey(name("db")); err == nil {
		opts.Name = key.String()
	}
	if key, err := section.GetKey(name("unix_socket")); err == nil {
		opts.UnixSocket = key.String()
	}
	if key, err := section.GetKey(name("use_ssl")); err == nil {
		opts.UseTLS, _ = key.Bool()
	}
	if key, err := section.GetKey(name("charset")); err == nil {
		opts.Charset = key.String()
	}
	if key, err := section.GetKey(name("path")); err == nil {
		opts.Path = key.String()
	}
	if opts.Type == "sqlite3" {
		opts.Type = "sqlite"
	}

	return opts
}

func parseStorageSection(id string, section *ini.Section) *StorageOptions {
	storage := new(StorageOptions)
	storage.ID = id
	storage.Backend = "fs"
	if key, err := section.GetKey("backend"); err == nil {
		storage.Backend = strings.ToLower(key.String())
	}
	if key, err := section.GetKey("dir"); err == nil {
		storage.Dir = key.String()
	}
	if key, err := section.GetKey("commit_bucket"); err == nil {
		storage.CommitBucket = key.String()
	}
	if key, err := section.GetKey("fs_bucket"); err == nil {
		storage.FsBucket = key.String()
	}
	if key, err := section.GetKey("block_bucket"); err == nil {
		storage.BlockBucket = key.String()
	}
	if key, err := section.GetKey("region"); err == nil {
		storage.Region = key.String()
	}
	if key, err := section.GetKey("endpoint"); err == nil {
		storage.Endpoint = key.String()
	}
	if key, err := section.GetKey("key_id"); err == nil {
		storage.KeyID = key.String()
	}
	if key, err := section.GetKey("key"); err == nil {
		storage.Key = key.String()
	}
	if key, err := section.GetKey("path_style_request"); err == nil {
		storage.PathStyle, _ = key.Bool()
	}

	return storage
}

func parseWorkers(section *ini.Section, def int) int {
	if key, err := section.GetKey("workers"); err == nil {
		if n, err := key.Int(); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func parseList(s string) []string {
	var list []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(strings.ToLower(item))
		if item != "" {
			list = append(list, item)
		}
	}
	return list
}

// parseSize parses sizes such as "10mb". A bare number is taken as MB.
func parseSize(sizeStr string) int64 {
	sizeStr = strings.ToLower(strings.TrimSpace(sizeStr))
	var multiplier int64 = MB
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"kb", KB}, {"mb", MB}, {"gb", GB}, {"tb", TB}} {
		if end := strings.Index(sizeStr, unit.suffix); end > 0 {
			multiplier = unit.mult
			sizeStr = sizeStr[:end]
			break
		}
	}
	size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 10, 0)
	if err != nil {
		return -1
	}

	return size * multiplier
}

// HasSuffix reports whether the file name ends with one of the suffixes, case-insensitively.
func HasSuffix(name string, suffixes []string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return false
	}
	for _, s := range suffixes {
		if s == ext {
			return true
		}
	}
	return false
}
