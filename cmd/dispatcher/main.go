package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pawsched/internal/app"
	"pawsched/internal/delivery"
	"pawsched/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath, logDeliverer())
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()
	_ = a.Stop(context.Background())
}

// logDeliverer records deliveries instead of sending them. Real transports
// implement delivery.Deliverer and replace this at wiring time.
func logDeliverer() delivery.Deliverer {
	log := logx.NewConsole("info").With(logx.String("component", "deliverer"))
	return delivery.DelivererFunc(func(_ context.Context, senderID, targetID, content, contentType string) error {
		log.Info("delivering",
			logx.String("sender_id", senderID),
			logx.String("target_id", targetID),
			logx.String("content_type", contentType),
			logx.Int("content_len", len(content)))
		return nil
	})
}
