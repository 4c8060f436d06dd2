package config

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"

type EncoderDecoderType string

const JSON_ENCODER_DECODER EncoderDecoderType = "JSON"

type Config struct {
	RedisConfig              RedisStorageConfig
	HttpPort                 int
	StorageType              StorageType
	EncoderDecoderType       EncoderDecoderType
	PollIntervalSeconds      int
	VisibilityTimeoutSeconds int
	WorkerCapacity           int
	DispatchBatchSize        int
	Debug                    bool
}

type RedisStorageConfig struct {
	Addrs      []string
	Namespace  string
	Partitions int
}
