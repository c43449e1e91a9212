// Package monitor exposes controller state over HTTP.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bobuhiro11/dwcotg/otg"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"
)

// Controller is the part of the emulated device the monitor reads.
type Controller interface {
	ReadReg(off uint64) (uint32, error)
	Snapshot() (*otg.State, error)
}

// New returns the monitor application:
//
//	GET /healthz        200 while the controller runs, 503 once halted
//	GET /regs           full register snapshot, 409 while a transfer is in flight
//	GET /regs/:offset   one register, offset in hex or decimal
func New(c Controller) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           60 * time.Second,
	})

	app.Use(recover.New())
	app.Use(func(ctx *fiber.Ctx) error {
		err := ctx.Next()

		log.WithField("method", ctx.Method()).
			WithField("path", ctx.Path()).
			WithField("status", ctx.Response().StatusCode()).
			Debug("monitor request")

		return err
	})

	app.Get("/healthz", func(ctx *fiber.Ctx) error {
		if _, err := c.ReadReg(otg.RegGINTSTS); err != nil {
			return ctx.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "halted", "error": err.Error()})
		}

		return ctx.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/regs", func(ctx *fiber.Ctx) error {
		s, err := c.Snapshot()

		switch {
		case errors.Is(err, otg.ErrTransferInFlight):
			return ctx.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		case err != nil:
			return ctx.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}

		return ctx.JSON(s)
	})

	app.Get("/regs/:offset", func(ctx *fiber.Ctx) error {
		off, err := strconv.ParseUint(ctx.Params("offset"), 0, 64)
		if err != nil || off >= otg.WindowSize || off%4 != 0 {
			return ctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad register offset"})
		}

		v, err := c.ReadReg(off)
		if err != nil {
			return ctx.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}

		return ctx.JSON(fiber.Map{"offset": fmt.Sprintf("%#x", off), "value": fmt.Sprintf("%#08x", v)})
	})

	return app
}

// Serve runs the monitor on addr until ctx is done.
func Serve(ctx context.Context, addr string, c Controller) error {
	app := New(c)
	errc := make(chan error, 1)

	go func() { errc <- app.Listen(addr) }()

	log.WithField("addr", addr).Info("monitor listening")

	select {
	case err := <-errc:
		return fmt.Errorf("monitor: %w", err)
	case <-ctx.Done():
	}

	if err := app.Shutdown(); err != nil {
		return fmt.Errorf("monitor shutdown: %w", err)
	}

	return <-errc
}
