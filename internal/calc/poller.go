package calc

import (
	"context"
	"time"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultPollTimeout  = 10 * time.Minute
)

// PollOptions はポーリングループの設定です。ゼロ値の項目は既定値になります。
type PollOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	// OnUpdate は取得した状態ごとに呼ばれます。
	OnUpdate func(*CalcStatus)
}

func (o PollOptions) withDefaults() PollOptions {
	if o.Interval <= 0 {
		o.Interval = defaultPollInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultPollTimeout
	}
	return o
}

// PollUntilTerminal は終端状態になるまで一定間隔で fetch を呼び出します。
// Timeout を超えた場合は ErrPollTimeout を返します。
func PollUntilTerminal(ctx context.Context, fetch func(context.Context) (*CalcStatus, error), opts PollOptions) (*CalcStatus, error) {
	opts = opts.withDefaults()
	fixed := func(*CalcStatus) (time.Duration, bool) { return opts.Interval, true }
	return poll(ctx, fetch, fixed, opts, nil)
}

// Watch は QueryOptions の方針に従って calcId を終端状態まで追跡します。
// キャッシュが既に終端状態なら、リモート呼び出しをせずにそれを返します。
func Watch(ctx context.Context, q QueryOptions, opts PollOptions) (*CalcStatus, error) {
	opts = opts.withDefaults()

	current, err := q.Current(ctx)
	if err != nil {
		return nil, err
	}
	if current.IsTerminal() {
		notify(opts, current)
		return current, nil
	}

	interval := q.Refetch.Interval
	if interval == nil {
		interval = func(*CalcStatus) (time.Duration, bool) { return opts.Interval, true }
	}

	fetch := func(ctx context.Context) (*CalcStatus, error) {
		// 他の経路で終端状態が書き込まれていればそれを優先する。
		cached, err := q.Current(ctx)
		if err != nil {
			return nil, err
		}
		if cached.IsTerminal() {
			return cached, nil
		}
		return q.Fetch(ctx)
	}
	return poll(ctx, fetch, interval, opts, current)
}

func poll(
	ctx context.Context,
	fetch func(context.Context) (*CalcStatus, error),
	next func(*CalcStatus) (time.Duration, bool),
	opts PollOptions,
	initial *CalcStatus,
) (*CalcStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	// initial がある場合は最初の取得を省略し、待機から始める。
	last := initial
	status := initial
	skip := initial != nil
	for {
		if !skip {
			var err error
			status, err = fetch(ctx)
			if err != nil {
				if ctx.Err() == context.DeadlineExceeded {
					return last, ErrPollTimeout
				}
				return last, err
			}
			if status != nil {
				last = status
				notify(opts, status)
				if status.IsTerminal() {
					return status, nil
				}
			}
		}
		skip = false

		wait, ok := next(status)
		if !ok {
			return last, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if ctx.Err() == context.DeadlineExceeded {
				return last, ErrPollTimeout
			}
			return last, ctx.Err()
		case <-timer.C:
		}
	}
}

func notify(opts PollOptions, status *CalcStatus) {
	if opts.OnUpdate != nil && status != nil {
		opts.OnUpdate(status)
	}
}
