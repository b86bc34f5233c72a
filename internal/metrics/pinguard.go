package metrics

// CardMetrics are the metrics of the card host.
type CardMetrics struct {
	VerifySuccess   *Counter
	VerifyFailure   *Counter
	VerifyLocked    *Counter
	VerifyMuted     *Counter
	Countermeasures *Counter
	RetryCounter    *Gauge
	VerifyDuration  *Histogram
}

// NewCardMetrics registers the card metrics on r.
func NewCardMetrics(r *Registry) *CardMetrics {
	const attempts = "verify_attempts_total"
	const attemptsHelp = "PIN verification attempts by result"
	return &CardMetrics{
		VerifySuccess:   r.Counter(attempts, attemptsHelp, Labels{"result": "success"}),
		VerifyFailure:   r.Counter(attempts, attemptsHelp, Labels{"result": "failure"}),
		VerifyLocked:    r.Counter(attempts, attemptsHelp, Labels{"result": "locked"}),
		VerifyMuted:     r.Counter(attempts, attemptsHelp, Labels{"result": "muted"}),
		Countermeasures: r.Counter("countermeasures_total", "Countermeasures fired", nil),
		RetryCounter:    r.Gauge("retry_counter", "Remaining PIN tries", nil),
		VerifyDuration:  r.Histogram("verify_duration_seconds", "Duration of a verification including storage", nil, DurationBuckets),
	}
}

// CampaignMetrics are the metrics of a fault campaign.
type CampaignMetrics struct {
	Faults   *Counter
	Detected *Counter
	Bypassed *Counter
}

// NewCampaignMetrics registers the campaign metrics on r.
func NewCampaignMetrics(r *Registry) *CampaignMetrics {
	return &CampaignMetrics{
		Faults:   r.Counter("campaign_faults_total", "Simulated faults evaluated", nil),
		Detected: r.Counter("campaign_detected_total", "Simulated faults caught by a countermeasure", nil),
		Bypassed: r.Counter("campaign_bypassed_total", "Simulated faults that authenticated a wrong PIN", nil),
	}
}
