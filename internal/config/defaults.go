package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace: "~/.wxbridge/workspace",
			LogLevel:  "info",
		},
		Monitor: MonitorConfig{
			Enabled:        false,
			Contacts:       nil,
			PollIntervalMS: 1000,
		},
		Transport: TransportConfig{
			Enabled:                  false,
			WSURL:                    "",
			SelfID:                   "10001000",
			HeartbeatIntervalSeconds: 30,
			ReconnectMinSeconds:      1,
			ReconnectMaxSeconds:      30,
			StabilityWindowSeconds:   10,
			OutboundBuffer:           100,
		},
		Message: MessageConfig{
			EnableImage:   true,
			EnableFile:    true,
			ImageCacheDir: "~/.wxbridge/cache/images",
			FileCacheDir:  "~/.wxbridge/cache/files",
		},
		Cursors: CursorConfig{
			Persist: false,
			DBPath:  "~/.wxbridge/cursors.db",
		},
		Browser: BrowserConfig{
			ProfileDir: "~/.wxbridge/chrome-profile",
			Headless:   true,
		},
	}
}
