package autosaveclient

import (
	"context"
	"time"
)

// WaitIdle polls the status until the engine is idle with nothing pending,
// or disabled. A disabled engine is reported as the returned status, not as
// an error; transport errors end the wait.
func (c *Client) WaitIdle(ctx context.Context, opt PollOptions) (Status, error) {
	if opt.Interval <= 0 {
		opt.Interval = 100 * time.Millisecond
	}
	t := time.NewTicker(opt.Interval)
	defer t.Stop()

	for {
		st, err := c.Status(ctx)
		if err != nil {
			return Status{}, err
		}
		if (st.Idle() && st.PendingBytes == 0) || st.Disabled() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

// PollStatus emits the status every time its phase or retry count
// changes, until ctx is cancelled or the engine is disabled. The channel
// closes on exit; poll errors are skipped.
func (c *Client) PollStatus(ctx context.Context, opt PollOptions) <-chan Status {
	out := make(chan Status, 1)
	if opt.Interval <= 0 {
		opt.Interval = 100 * time.Millisecond
	}

	go func() {
		defer close(out)

		t := time.NewTicker(opt.Interval)
		defer t.Stop()

		var last *Status
		for {
			st, err := c.Status(ctx)
			if err == nil && (last == nil || st.Phase != last.Phase || st.RetryCount != last.RetryCount) {
				select {
				case out <- st:
				case <-ctx.Done():
					return
				}
				last = &st
				if st.Disabled() {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()

	return out
}
