// Command connectivity-gateway is the process entry point: it loads
// connectivityconfig, opens the connections described by its static
// bootstrap list (in production this would come from Ditto's own
// connection-management API, which lives outside this service), and
// supervises one goroutine per connection for its whole lifetime.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jimmy777/ditto-connectivity/internal/microservice"
	"github.com/jimmy777/ditto-connectivity/internal/supervisor"
	"github.com/jimmy777/ditto-connectivity/pkg/addresstemplate"
	"github.com/jimmy777/ditto-connectivity/pkg/connection"
	"github.com/jimmy777/ditto-connectivity/pkg/connectivityconfig"
	"github.com/jimmy777/ditto-connectivity/pkg/correlation"
	"github.com/jimmy777/ditto-connectivity/pkg/externalmessage"
	"github.com/jimmy777/ditto-connectivity/pkg/httppush"
	"github.com/jimmy777/ditto-connectivity/pkg/inflight"
	"github.com/jimmy777/ditto-connectivity/pkg/kafkasource"
	"github.com/jimmy777/ditto-connectivity/pkg/mapping"
	"github.com/jimmy777/ditto-connectivity/pkg/messagepipeline"
	"github.com/jimmy777/ditto-connectivity/pkg/mqttsource"
	"github.com/jimmy777/ditto-connectivity/pkg/throttling"
	"github.com/jimmy777/ditto-connectivity/pkg/transportvalidator"
	"github.com/rs/zerolog"
)

// gateway wires every open connection's inbound consumer stream to its own
// outbound publisher pipeline: one connection, one set of sources and
// targets.
type gateway struct {
	cfg        *connectivityconfig.Config
	logger     zerolog.Logger
	registry   *connection.Registry
	mappers    *mapping.Registry
	throttles  *throttling.Registry
	supervisor *supervisor.Supervisor
	functions  map[string]addresstemplate.PipelineFunction
}

func main() {
	cfg, err := connectivityconfig.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().Str("service", "connectivity-gateway").Logger()

	gw := &gateway{
		cfg:        cfg,
		logger:     logger,
		registry:   connection.NewRegistry(),
		mappers:    mapping.NewDefaultRegistry(),
		throttles:  throttling.NewRegistry(throttling.OneMinuteTenSecondResolution),
		supervisor: supervisor.New(supervisor.DefaultBackoff(), logger),
		functions:  addresstemplate.DefaultFunctions(),
	}

	server := microservice.NewBaseServer(logger, cfg.HTTPPort, gw)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start health server")
	}

	for _, conn := range bootstrapConnections() {
		if err := gw.openConnection(conn); err != nil {
			logger.Error().Err(err).Str("connectionId", conn.ID).Msg("failed to open connection")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := gw.supervisor.Shutdown(shutdownCtx, nil); err != nil {
		logger.Error().Err(err).Msg("error shutting down supervised connections")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down health server")
	}
}

// Ready implements microservice.ReadinessChecker: the gateway reports ready
// once at least one connection is open.
func (gw *gateway) Ready() bool {
	return gw.registry.Len() > 0
}

// bootstrapConnections is the static connection set this process opens on
// startup. Transport discovery and a dynamic connection-management API live
// outside this service; a real deployment would inject this list from the
// environment or a config file using the same Connection struct.
func bootstrapConnections() []connection.Connection {
	return nil
}

// openConnection validates conn per its type's rules, registers it, and
// starts its supervised lifecycle goroutine.
func (gw *gateway) openConnection(conn connection.Connection) error {
	if err := transportvalidator.For(conn.Type).Validate(conn); err != nil {
		return fmt.Errorf("rejecting connection %q: %w", conn.ID, err)
	}
	gw.registry.Open(conn)

	tags := map[string]string{"type": string(conn.Type)}
	gw.supervisor.Start(conn.ID, tags, func(ctx context.Context) error {
		return gw.runConnection(ctx, conn)
	})
	return nil
}

// runConnection is the Runnable the supervisor restarts on unexpected exit:
// it starts the connection's outbound publisher pipeline and, if the
// connection has sources, its inbound consumer stream, then blocks until ctx
// is cancelled.
func (gw *gateway) runConnection(ctx context.Context, conn connection.Connection) error {
	pendingStore, err := gw.newPendingStore(ctx)
	if err != nil {
		return fmt.Errorf("creating pending-dispatch store for connection %q: %w", conn.ID, err)
	}

	pipeline := httppush.NewPipeline(http.DefaultClient, httppush.PipelineConfig{
		Parallelism:  gw.cfg.HTTPPush.Parallelism,
		AckDeadline:  gw.cfg.HTTPPush.AckDeadline,
		PendingStore: pendingStore,
	}, gw.functions, gw.logger)
	pipeline.Start(ctx)
	defer pipeline.Stop(context.Background())

	var stop func(context.Context) error

	switch conn.Type {
	case connection.TypeKafka:
		stop, err = gw.startKafkaSource(ctx, conn, pipeline)
	case connection.TypeMQTT, connection.TypeMQTT5:
		stop, err = gw.startMQTTSource(ctx, conn, pipeline)
	}
	if err != nil {
		return err
	}

	<-ctx.Done()
	if stop != nil {
		return stop(context.Background())
	}
	return nil
}

// startKafkaSource wires a kafkasource.Consumer into a messagepipeline
// AtLeastOnceStream whose sink forwards each mapped record onward through
// pipeline to every one of conn's Targets. Offsets are only committed once
// the sink succeeds.
func (gw *gateway) startKafkaSource(ctx context.Context, conn connection.Connection, pipeline *httppush.Pipeline) (func(context.Context) error, error) {
	if len(conn.Sources) == 0 {
		return nil, nil
	}

	topics := make([]string, len(conn.Sources))
	for i, src := range conn.Sources {
		topics[i] = src.Address
	}

	consumer, err := kafkasource.NewConsumer(kafkasource.Config{
		Brokers:       strings.Split(conn.SpecificConfig["brokers"], ","),
		Topics:        topics,
		ConsumerGroup: conn.SpecificConfig["consumerGroup"],
		ClientID:      "connectivity-gateway-" + conn.ID,
	}, gw.logger)
	if err != nil {
		return nil, fmt.Errorf("creating kafka consumer for connection %q: %w", conn.ID, err)
	}

	throttleCfg := throttling.ConfigForConnectionType(conn.Type, throttling.Config{
		Limit:       gw.cfg.KafkaConsumer.Throttling.Limit,
		Interval:    gw.cfg.KafkaConsumer.Throttling.IntervalMillis,
		MaxInFlight: gw.cfg.KafkaConsumer.Throttling.MaxInFlight,
		Tolerance:   gw.cfg.KafkaConsumer.Throttling.ThrottlingDetectionTolerance,
	})

	transformer := messagepipeline.WithRecordPayloadValidation[externalmessage.ExternalMessage](
		func(ctx context.Context, rec *messagepipeline.CommittableRecord) (*externalmessage.ExternalMessage, bool, error) {
			src, ok := sourceForTopic(conn, rec.Attributes["kafka_topic"])
			if !ok {
				return nil, false, fmt.Errorf("no source configured for topic %q", rec.Attributes["kafka_topic"])
			}
			mapper, err := mapping.ResolveForSource(gw.mappers, src)
			if err != nil {
				return nil, false, err
			}
			msg, err := mapper.Map(ctx, rec.Payload, rec.Attributes)
			return msg, true, err
		},
		gw.cfg.Mapping.MinPayloadBytes, gw.cfg.Mapping.MaxPayloadBytes, gw.logger,
	)

	sink := func(ctx context.Context, rec messagepipeline.CommittableRecord, payload *externalmessage.ExternalMessage) error {
		alert := gw.throttles.GetOrCreate(throttling.Key{
			ConnectionID: conn.ID,
			Direction:    throttling.DirectionInbound,
			Address:      rec.Attributes["kafka_topic"],
		}, throttleCfg)
		alert.Record()
		if alert.State() == throttling.StateAboveLimit {
			return fmt.Errorf("connection %q is throttled above its effective limit", conn.ID)
		}
		return gw.forward(ctx, conn, pipeline, *payload)
	}

	stream, err := messagepipeline.NewAtLeastOnceStream[externalmessage.ExternalMessage](
		messagepipeline.AtLeastOnceConfig{
			MaxInFlight:              gw.cfg.KafkaConsumer.Throttling.MaxInFlight,
			CommitOnTransformFailure: gw.cfg.CommitOnTransformFailure,
		},
		consumer, transformer, sink, gw.logger,
	)
	if err != nil {
		return nil, fmt.Errorf("building at-least-once stream for connection %q: %w", conn.ID, err)
	}
	if err := stream.Start(ctx); err != nil {
		return nil, err
	}
	return stream.Stop, nil
}

// startMQTTSource wires an mqttsource.Consumer into a plain StreamingService
// that forwards every message onward through pipeline. MQTT's own QoS
// handling is the acknowledgement mechanism, so no commit stage is needed.
func (gw *gateway) startMQTTSource(ctx context.Context, conn connection.Connection, pipeline *httppush.Pipeline) (func(context.Context) error, error) {
	if len(conn.Sources) == 0 {
		return nil, nil
	}

	mqttCfg := mqttsource.DefaultClientConfig()
	mqttCfg.BrokerURL = conn.URI

	consumer, err := mqttsource.NewConsumer(mqttCfg, conn.ID, conn.Sources, gw.logger)
	if err != nil {
		return nil, fmt.Errorf("creating mqtt consumer for connection %q: %w", conn.ID, err)
	}

	transformer := messagepipeline.WithPayloadValidation[externalmessage.ExternalMessage](
		func(ctx context.Context, msg *messagepipeline.Message) (*externalmessage.ExternalMessage, bool, error) {
			src, ok := sourceForTopic(conn, msg.Attributes["mqtt_topic"])
			if !ok {
				return nil, false, fmt.Errorf("no source configured for topic %q", msg.Attributes["mqtt_topic"])
			}
			mapper, err := mapping.ResolveForSource(gw.mappers, src)
			if err != nil {
				return nil, false, err
			}
			external, err := mapper.Map(ctx, msg.Payload, msg.Attributes)
			return external, false, err
		},
		gw.cfg.Mapping.MinPayloadBytes, gw.cfg.Mapping.MaxPayloadBytes, gw.logger,
	)

	processor := func(ctx context.Context, _ messagepipeline.Message, payload *externalmessage.ExternalMessage) error {
		return gw.forward(ctx, conn, pipeline, *payload)
	}

	svc, err := messagepipeline.NewStreamingService[externalmessage.ExternalMessage](
		messagepipeline.StreamingServiceConfig{NumWorkers: gw.cfg.HTTPPush.Parallelism},
		consumer, transformer, processor, gw.logger,
	)
	if err != nil {
		return nil, fmt.Errorf("building streaming service for connection %q: %w", conn.ID, err)
	}
	if err := svc.Start(ctx); err != nil {
		return nil, err
	}
	return svc.Stop, nil
}

// newPendingStore builds the pending-dispatch registry the configuration
// selects: an in-process MemoryStore by default (returned as nil so the
// pipeline constructs its own), or a Redis-backed store shared across
// gateway replicas when IN_FLIGHT_BACKEND=redis.
func (gw *gateway) newPendingStore(ctx context.Context) (inflight.Store[string, httppush.PendingDispatch], error) {
	if gw.cfg.InFlight.Backend != "redis" {
		return nil, nil
	}
	return inflight.NewRedisStore[string, httppush.PendingDispatch](ctx, &inflight.RedisConfig{
		Addr:     gw.cfg.InFlight.RedisAddr,
		Password: gw.cfg.InFlight.RedisPassword,
		DB:       gw.cfg.InFlight.RedisDB,
		TTL:      gw.cfg.InFlight.RedisTTL,
	}, gw.logger)
}

// forward builds one MappedSignal carrying all of conn's Targets from msg
// and submits it to pipeline, logging (rather than correlating back to an
// originating caller) the resulting acknowledgements aggregate, since an
// inbound-sourced signal has no waiting sender to reply to.
func (gw *gateway) forward(ctx context.Context, conn connection.Connection, pipeline *httppush.Pipeline, msg externalmessage.ExternalMessage) error {
	correlationID := msg.Headers.Get("correlation-id")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	signal := httppush.MappedSignal{
		Connection: conn,
		Targets:    conn.Targets,
		Context: addresstemplate.Context{
			EntityID: msg.Headers.Get("ditto-entity-id"),
			Headers:  msg.Headers.ToMap(),
		},
		Message: msg,
		Command: correlation.Command{
			CorrelationID: correlationID,
			EntityID:      msg.Headers.Get("ditto-entity-id"),
		},
		SenderReply: func(agg *externalmessage.AcknowledgementsAggregate) {
			gw.logger.Debug().Str("connectionId", conn.ID).Int("status", agg.Status()).
				Int("acknowledgements", len(agg.Envelopes)).
				Msg("received acknowledgements aggregate for inbound-forwarded signal")
		},
	}
	return pipeline.Submit(ctx, signal)
}

func sourceForTopic(conn connection.Connection, topic string) (connection.Source, bool) {
	for _, src := range conn.Sources {
		if src.Address == topic {
			return src, true
		}
	}
	return connection.Source{}, false
}
