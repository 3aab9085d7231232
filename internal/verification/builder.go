package verification

import (
	"fmt"
	"math"

	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlayout/internal/geometry"
)

// MinSide is the smallest QR image side produced, in pixels
const MinSide = 50

// Config holds builder configuration
type Config struct {
	MaxPayloadBytes int    `mapstructure:"max_payload_bytes"`
	RecoveryLevel   string `mapstructure:"recovery_level"` // low | medium | high | highest
}

// DefaultConfig returns default builder configuration
func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes: 1024,
		RecoveryLevel:   "medium",
	}
}

// Code is an encoded verification payload
type Code struct {
	Payload []byte `json:"payload"`
	Digest  string `json:"digest"`
	PNG     []byte `json:"png"`
	Side    int    `json:"side"`
}

// Builder encodes payloads into QR images
type Builder struct {
	cfg    Config
	level  qrcode.RecoveryLevel
	logger *zap.Logger
}

// NewBuilder creates a new builder
func NewBuilder(cfg Config, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultConfig().MaxPayloadBytes
	}
	return &Builder{
		cfg:    cfg,
		level:  recoveryLevel(cfg.RecoveryLevel),
		logger: logger,
	}
}

func recoveryLevel(s string) qrcode.RecoveryLevel {
	switch s {
	case "low":
		return qrcode.Low
	case "high":
		return qrcode.High
	case "highest":
		return qrcode.Highest
	default:
		return qrcode.Medium
	}
}

// SideFor returns the square image side that fits box, never below MinSide
func SideFor(box geometry.Size) int {
	side := int(math.Floor(math.Min(box.Width, box.Height)))
	if side < MinSide {
		return MinSide
	}
	return side
}

// Build serializes p and encodes it as a PNG QR code sized to box
func (b *Builder) Build(p Payload, box geometry.Size) (Code, error) {
	data, err := p.Marshal()
	if err != nil {
		return Code{}, err
	}
	if len(data) > b.cfg.MaxPayloadBytes {
		return Code{}, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(data), b.cfg.MaxPayloadBytes)
	}

	side := SideFor(box)
	png, err := qrcode.Encode(string(data), b.level, side)
	if err != nil {
		return Code{}, fmt.Errorf("encode qr: %w", err)
	}

	b.logger.Debug("Built verification code",
		zap.String("prescription_id", p.PrescriptionID),
		zap.Int("payload_bytes", len(data)),
		zap.Int("side", side),
	)

	return Code{
		Payload: data,
		Digest:  Digest(data),
		PNG:     png,
		Side:    side,
	}, nil
}
