package metrics

import "expvar"

var (
	Dispatched       = expvar.NewInt("requests_dispatched")
	Resent           = expvar.NewInt("requests_resent")
	Dropped          = expvar.NewInt("requests_dropped")
	UntrackedReplies = expvar.NewInt("replies_untracked")

	SnapshotsAccepted = expvar.NewInt("snapshots_accepted")
	SnapshotsRejected = expvar.NewInt("snapshots_rejected")

	Fills           = expvar.NewMap("fills") // 按识别渠道计数
	Cancels         = expvar.NewInt("cancels_confirmed")
	Rejects         = expvar.NewInt("orders_rejected")
	PostOnlyRetries = expvar.NewInt("post_only_retries")
	StrayCancels    = expvar.NewInt("stray_cancels")

	Converges = expvar.NewInt("consolidation_converges")
	Diverges  = expvar.NewInt("consolidation_diverges")

	EngineErrors = expvar.NewInt("engine_errors")
	StateSaves   = expvar.NewInt("state_saves")
	StateLoads   = expvar.NewInt("state_loads")
)
