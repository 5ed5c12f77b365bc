package availability

import (
	"context"
	"net"

	"github.com/redis/go-redis/v9"
)

// Hook returns a redis hook that feeds every dial and command outcome into the controller.
func (c *Controller) Hook() redis.Hook {
	return brokerHook{c: c}
}

type brokerHook struct {
	c *Controller
}

func (h brokerHook) observe(err error) {
	if IsBrokerFault(err) {
		h.c.MarkDown(err)
		return
	}
	h.c.MarkUp()
}

func (h brokerHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		h.observe(err)
		return conn, err
	}
}

func (h brokerHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		h.observe(err)
		return err
	}
}

func (h brokerHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		h.observe(err)
		return err
	}
}
