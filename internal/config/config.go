package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DBSource    string `env:"DB_SOURCE"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	Port        string `env:"SERVER_PORT" envDefault:"8080"`
	Env         string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppURL      string `env:"APP_URL" envDefault:"http://localhost:5173"`

	Rules  Rules
	Mpesa  Mpesa
	Worker Worker
}

// Rules holds the business constants. Amounts are whole shillings.
type Rules struct {
	ActivationFee      int64         `env:"ACTIVATION_FEE" envDefault:"500"`
	WithdrawalMinimum  int64         `env:"WITHDRAWAL_MINIMUM" envDefault:"600"`
	WithdrawalFee      int64         `env:"WITHDRAWAL_FEE" envDefault:"50"`
	FirstReferralBonus int64         `env:"REFERRAL_FIRST_BONUS" envDefault:"300"`
	ReferralBonus      int64         `env:"REFERRAL_BONUS" envDefault:"150"`
	SecondLevelBonus   int64         `env:"REFERRAL_SECOND_LEVEL_BONUS" envDefault:"150"`
	TaskCooldown       time.Duration `env:"TASK_COOLDOWN" envDefault:"336h"`
	TaskWindow         time.Duration `env:"TASK_WINDOW" envDefault:"168h"`
	TaskWeeklyCap      int           `env:"TASK_WEEKLY_CAP" envDefault:"2"`
}

type Mpesa struct {
	BaseURL            string `env:"MPESA_BASE_URL" envDefault:"https://sandbox.safaricom.co.ke"`
	ConsumerKey        string `env:"MPESA_CONSUMER_KEY"`
	ConsumerSecret     string `env:"MPESA_CONSUMER_SECRET"`
	ShortCode          string `env:"MPESA_SHORTCODE"`
	Passkey            string `env:"MPESA_PASSKEY"`
	CallbackURL        string `env:"MPESA_CALLBACK_URL"`
	InitiatorName      string `env:"MPESA_INITIATOR_NAME"`
	SecurityCredential string `env:"MPESA_SECURITY_CREDENTIAL"`
	ResultURL          string `env:"MPESA_B2C_RESULT_URL"`
	TimeoutURL         string `env:"MPESA_B2C_TIMEOUT_URL"`
}

type Worker struct {
	CallbackWorkers   int           `env:"CALLBACK_WORKERS" envDefault:"4"`
	CallbackQueueSize int           `env:"CALLBACK_QUEUE_SIZE" envDefault:"256"`
	PendingPaymentTTL time.Duration `env:"PENDING_PAYMENT_TTL" envDefault:"24h"`
	SweepSchedule     string        `env:"SWEEP_SCHEDULE" envDefault:"@every 1m"`
	PayoutBatchSize   int           `env:"PAYOUT_BATCH_SIZE" envDefault:"20"`
	UserRPS           float64       `env:"USER_RPS" envDefault:"5"`
	UserBurst         int           `env:"USER_BURST" envDefault:"10"`
	WebhookRPS        float64       `env:"WEBHOOK_RPS" envDefault:"50"`
}

func Load() (*Config, error) {
	// a missing .env is fine; real deployments set the environment directly
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.StoreDriver == "postgres" && cfg.DBSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if cfg.StoreDriver != "postgres" && cfg.StoreDriver != "memory" {
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	return &cfg, nil
}
