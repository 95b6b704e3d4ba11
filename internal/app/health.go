package app

// health feeds /healthz. Keys name the degraded component.
func (a *App) health() map[string]string {
	problems := map[string]string{}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			problems["supervisor"] = err.Error()
		}
	}
	if _, err := a.cycles.status(); err != nil {
		problems["dispatch"] = err.Error()
	}
	rt := a.runtime()
	if rt.Scheduler.Enabled && a.sup != nil {
		if snap := a.sched.Snapshot(); len(snap.Schedules) == 0 {
			problems["scheduler"] = "no dispatch schedule registered"
		}
	}
	if snap := a.engine.Snapshot(); snap.Enabled && snap.QueueCap == 0 && a.sup != nil {
		problems["taskengine"] = "not running"
	}
	return problems
}
