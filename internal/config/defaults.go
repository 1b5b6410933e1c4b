package config

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		Control: ControlConfig{
			Listen:        "127.0.0.1:65432",
			MaxFrameBytes: 1 << 20,
			QueueSize:     64,
		},
		Ableton: AbletonConfig{
			Host:        "127.0.0.1",
			Port:        11000,
			ReceiveHost: "127.0.0.1",
			ReceivePort: 11001,
		},
		Requests: RequestsConfig{
			TimeoutMS: 5000,
			ReplyPrefixes: []string{
				"/live/device/get",
				"/live/scene/get",
				"/live/view/get",
				"/live/clip/get",
				"/live/clip_slot/get",
				"/live/track/get",
				"/live/song/get",
				"/live/api/get",
				"/live/application/get",
				"/live/test",
				"/live/error",
			},
			MaxPendingPerAddress: 64,
		},
		Log: LogConfig{
			Level:  "info",
			Stderr: true,
		},
	}
}
