package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Theauxm/workrail/agent"
	"github.com/Theauxm/workrail/config"
	"github.com/Theauxm/workrail/logger"
	"github.com/Theauxm/workrail/registry"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("namespace", "workrail", "namespace used in storage")
	cmd.Flags().Int("partitions", 8, "number of work queue partitions")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().String("storage-impl", "redis", "implementation of underline storage")
	cmd.Flags().String("encoder-decoder", "JSON", "encoder decoder used to serialzie data")
	cmd.Flags().Int("poll-interval", 5, "scheduler poll interval in seconds")
	cmd.Flags().Int("visibility-timeout", 60, "dispatch claim visibility timeout in seconds")
	cmd.Flags().Int("worker-capacity", 512, "workflow pool capacity")
	cmd.Flags().Int("dispatch-batch-size", 32, "work queue entries claimed per tick")
	cmd.Flags().Bool("debug", false, "enable debug logging")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)

	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.RedisConfig.Partitions = viper.GetInt("partitions")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.EncoderDecoderType = config.EncoderDecoderType(viper.GetString("encoder-decoder"))
	c.cfg.PollIntervalSeconds = viper.GetInt("poll-interval")
	c.cfg.VisibilityTimeoutSeconds = viper.GetInt("visibility-timeout")
	c.cfg.WorkerCapacity = viper.GetInt("worker-capacity")
	c.cfg.DispatchBatchSize = viper.GetInt("dispatch-batch-size")
	c.cfg.Debug = viper.GetBool("debug")
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	logger.InitLogger(c.cfg.Debug)
	agent, err := agent.New(c.cfg.Config, registry.NewWorkflows())
	if err != nil {
		panic(err)
	}
	err = agent.Start()
	if err != nil {
		panic(err)
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return agent.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "workrail",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
