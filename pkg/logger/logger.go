package logger

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the global logger. It discards everything until Init is called.
var Log = zap.NewNop()

// Config holds logger configuration
type Config struct {
	Service  string
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Init replaces the global logger
func Init(cfg *Config) error {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.TimeKey = "timestamp"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	zapConfig.OutputPaths = []string{"stdout"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}
	if cfg.Output == "file" && cfg.FilePath != "" {
		zapConfig.OutputPaths = []string{cfg.FilePath}
		zapConfig.ErrorOutputPaths = []string{cfg.FilePath}
	}

	opts := []zap.Option{
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if cfg.Service != "" {
		opts = append(opts, zap.Fields(zap.String("service", cfg.Service)))
	}

	built, err := zapConfig.Build(opts...)
	if err != nil {
		return err
	}
	Log = built
	return nil
}

type contextKey struct{}

// WithRequestID stores the request ID for FromContext
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKey{}, requestID)
}

// FromContext returns a logger tagged with the request ID carried by ctx.
// Call it directly; it does not go through the package-level wrappers.
func FromContext(ctx context.Context) *zap.Logger {
	l := Log.WithOptions(zap.AddCallerSkip(-1))
	if requestID, ok := ctx.Value(contextKey{}).(string); ok {
		return l.With(zap.String("request_id", requestID))
	}
	return l
}

// Field helpers shared by the call and media packages

func CallID(id uuid.UUID) zap.Field         { return zap.String("call_id", id.String()) }
func ConversationID(id uuid.UUID) zap.Field { return zap.String("conversation_id", id.String()) }
func UserID(id uuid.UUID) zap.Field         { return zap.String("user_id", id.String()) }
func RoomID(id string) zap.Field            { return zap.String("room_id", id) }
func PeerID(id uuid.UUID) zap.Field         { return zap.String("peer_id", id.String()) }

func Debug(msg string, fields ...zap.Field) { Log.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Log.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Log.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Log.Error(msg, fields...) }

// Fatal logs and exits the process
func Fatal(msg string, fields ...zap.Field) { Log.Fatal(msg, fields...) }

// Sync flushes buffered entries
func Sync() error {
	return Log.Sync()
}
