package main

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/srg/bmsd/internal/sink"
	"github.com/srg/bmsd/internal/supervisor"
	"github.com/srg/bmsd/pkg/config"
)

// outputs is everything downstream of the pipeline
type outputs struct {
	router      *sink.Router
	supervisors []*supervisor.Supervisor
	broker      mqtt.Client
	closers     []func()
}

type outputOptions struct {
	// Register the MQTT sink; the broker connection is made either way when
	// onBrokerConnect is set
	mqttSink        bool
	onBrokerConnect func(mqtt.Client)
}

// buildOutputs registers every enabled sink on router and pairs each network
// transport with a supervisor. Nothing connects until start is called.
func buildOutputs(ctx context.Context, cfg *config.Config, router *sink.Router, opts outputOptions, logger *logrus.Logger) (*outputs, error) {
	out := &outputs{router: router}

	if (cfg.MQTT.Enabled && opts.mqttSink) || opts.onBrokerConnect != nil {
		var sup *supervisor.Supervisor
		c, err := sink.NewBrokerClient(cfg.BrokerConfig(), opts.onBrokerConnect, func(err error) {
			sup.OnConnectionLost(err)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create MQTT client: %w", err)
		}
		sup = supervisor.New(sink.NewMQTTTransport("mqtt", c), cfg.SupervisorOptions(), logger)
		out.supervisors = append(out.supervisors, sup)
		out.broker = c
		out.closers = append(out.closers, func() { c.Disconnect(250) })

		if cfg.MQTT.Enabled && opts.mqttSink {
			s := sink.NewMQTT(c, cfg.MQTTOptions(), logger)
			s.Supervise(sup.Cell(), sup.OnConnectionLost)
			router.Register(s)
		}
	}

	if cfg.Influx.Enabled {
		c, err := client.NewHTTPClient(cfg.InfluxHTTPConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create InfluxDB client: %w", err)
		}
		sup := supervisor.New(sink.NewInfluxTransport(c), cfg.SupervisorOptions(), logger)
		s := sink.NewInflux(c, cfg.InfluxOptions(), logger)
		s.Supervise(sup.Cell(), sup.OnConnectionLost)
		router.Register(s)
		out.supervisors = append(out.supervisors, sup)
		out.closers = append(out.closers, func() { _ = c.Close() })
	}

	if cfg.Redis.Enabled {
		c := redis.NewClient(cfg.RedisClientOptions())
		sup := supervisor.New(sink.NewRedisTransport(c), cfg.SupervisorOptions(), logger)
		s := sink.NewRedis(c, cfg.RedisOptions(), logger)
		s.Supervise(sup.Cell(), sup.OnConnectionLost)
		router.Register(s)
		out.supervisors = append(out.supervisors, sup)
		out.closers = append(out.closers, func() { _ = c.Close() })
	}

	if cfg.CloudWatch.Enabled {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.CloudWatch.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.CloudWatch.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		// the SDK retries on its own; no supervisor
		router.Register(sink.NewCloudWatch(cloudwatch.NewFromConfig(awsCfg), cfg.CloudWatchOptions(), logger))
	}

	if len(router.Sinks()) == 0 {
		logger.Warn("No output enabled, decoded metrics are discarded")
	}
	return out, nil
}

// start launches the initial connect of every transport without waiting.
func (o *outputs) start(ctx context.Context) {
	for _, sup := range o.supervisors {
		sup.Start(ctx)
	}
}

// close waits for in-flight connect attempts, then closes every client.
func (o *outputs) close() {
	for _, sup := range o.supervisors {
		sup.Wait()
	}
	for i := len(o.closers) - 1; i >= 0; i-- {
		o.closers[i]()
	}
}
