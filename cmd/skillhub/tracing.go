package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/inferera/skills-repo/pkg/logger"
	"github.com/inferera/skills-repo/pkg/telemetry"
	"github.com/inferera/skills-repo/pkg/version"
)

var (
	tracer           = telemetry.Tracer("skillhub.cli")
	shutdownTracing  telemetry.ShutdownFunc
	sensitiveFlagSet = map[string]bool{"password": true, "token": true, "key": true}
)

// initTracing initializes the OpenTelemetry tracing system
func initTracing(ctx context.Context) (telemetry.ShutdownFunc, error) {
	config := telemetry.Config{
		Enabled:        viper.GetBool("tracing.enabled"),
		ServiceName:    "skillhub",
		ServiceVersion: version.Get().Version,
		SamplerType:    viper.GetString("tracing.sampler"),
		SamplerRatio:   viper.GetFloat64("tracing.ratio"),
	}
	return telemetry.InitTracer(ctx, config)
}

func startTracing(ctx context.Context) error {
	shutdown, err := initTracing(ctx)
	if err != nil {
		return err
	}
	shutdownTracing = shutdown
	return nil
}

func stopTracing(ctx context.Context) error {
	if shutdownTracing == nil {
		return nil
	}
	err := shutdownTracing(context.WithoutCancel(ctx))
	shutdownTracing = nil
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to flush traces")
	}
	return nil
}

// withTracing wraps a Cobra command with a root span
func withTracing(cmd *cobra.Command) *cobra.Command {
	originalRun := cmd.RunE

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		attrs := []attribute.KeyValue{
			attribute.String("command.name", cmd.Name()),
			attribute.String("command.path", cmd.CommandPath()),
			attribute.Int("args.count", len(args)),
		}
		cmd.Flags().Visit(func(flag *pflag.Flag) {
			if !sensitiveFlagSet[flag.Name] {
				attrs = append(attrs, attribute.String("flag."+flag.Name, flag.Value.String()))
			}
		})

		ctx, span := tracer.Start(cmd.Context(), "cli.command", trace.WithAttributes(attrs...))
		defer span.End()
		cmd.SetContext(ctx)

		if err := originalRun(cmd, args); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}

	return cmd
}

func init() {
	rootCmd.PersistentFlags().Bool("tracing-enabled", false, "Enable OpenTelemetry tracing")
	rootCmd.PersistentFlags().String("tracing-sampler", "ratio", "Tracing sampler type (always, never, ratio)")
	rootCmd.PersistentFlags().Float64("tracing-ratio", 1, "Sampling ratio when using ratio sampler")

	viper.BindPFlag("tracing.enabled", rootCmd.PersistentFlags().Lookup("tracing-enabled"))
	viper.BindPFlag("tracing.sampler", rootCmd.PersistentFlags().Lookup("tracing-sampler"))
	viper.BindPFlag("tracing.ratio", rootCmd.PersistentFlags().Lookup("tracing-ratio"))
}
