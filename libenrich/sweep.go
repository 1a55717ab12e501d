package libenrich

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel"
	"github.com/sentinelsec/sentinel/datastore"
	"github.com/sentinelsec/sentinel/engram"
	"github.com/sentinelsec/sentinel/enricher/nvd"
)

// sweep is the working state of one Sweep call.
type sweep struct {
	o       *Orchestrator
	tenant  uuid.UUID
	session *engram.Session
	report  *SweepReport

	unmapped map[string]struct{}
	// kevDown latches after the first catalog failure so one outage yields
	// one dead-end, not one per CVE.
	kevDown bool
}

func (s *sweep) run(ctx context.Context) error {
	opts := &s.o.opts
	for offset := 0; ; offset += opts.PageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		recs, err := opts.Graph.ListNodes(ctx, s.tenant, sentinel.LabelService, nil, datastore.Page{
			Offset: offset,
			Limit:  opts.PageSize,
		})
		if err != nil {
			s.deadEnd(ctx, "list services", err.Error())
			s.report.Partial = true
			return nil
		}
		for i := range recs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.service(ctx, &recs[i]); err != nil {
				return err
			}
		}
		if len(recs) < opts.PageSize {
			return nil
		}
	}
}

// service enriches one Service node. The only errors returned are context
// errors; everything else degrades in place.
func (s *sweep) service(ctx context.Context, rec *datastore.NodeRecord) error {
	opts := &s.o.opts
	name, _ := rec.Properties["name"].(string)
	version, _ := rec.Properties["version"].(string)
	if name == "" || version == "" {
		// Nothing to look up without a product identity.
		return nil
	}
	s.report.ServicesSeen++

	cpes, ok := opts.Mapper.Resolve(name, version)
	if !ok {
		s.report.ServicesSkipped++
		key := name + "/" + version
		if _, seen := s.unmapped[key]; !seen {
			s.unmapped[key] = struct{}{}
			s.deadEnd(ctx, "no cpe mapping", key)
		}
		return nil
	}

	// Union of candidate CVEs across the product's CPE names.
	byID := map[string]nvd.CVE{}
	var order []string
	for _, cpe := range cpes {
		if err := ctx.Err(); err != nil {
			return err
		}
		cves, err := opts.NVD.ByCPE(ctx, cpe, opts.PageSize)
		if err != nil {
			s.report.Partial = true
			s.deadEnd(ctx, "cve lookup: "+cpe, err.Error())
			continue
		}
		for _, cve := range cves {
			if _, dup := byID[cve.ID]; !dup {
				byID[cve.ID] = cve
				order = append(order, cve.ID)
			}
		}
	}
	if len(order) == 0 {
		return nil
	}

	scores, err := opts.EPSS.Scores(ctx, order)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		// Degrade: epss stays null on every write below.
		s.report.Partial = true
		s.deadEnd(ctx, "epss scores", err.Error())
		scores = nil
	}

	created := 0
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		cve := byID[id]
		v := s.vulnerability(ctx, cve, scores)
		if err := v.Validate(); err != nil {
			// Range violations come from upstream data; drop the record.
			zlog.Warn(ctx).Str("cve", id).Err(err).Msg("rejecting vulnerability")
			continue
		}
		if _, err := opts.Graph.UpsertNode(ctx, s.tenant, v, opts.Now()); err != nil {
			s.report.Partial = true
			s.deadEnd(ctx, "vulnerability upsert: "+id, err.Error())
			continue
		}
		vulnCounter.WithLabelValues(v.Severity.String()).Inc()
		edge := sentinel.Edge{
			TenantID: s.tenant,
			Kind:     sentinel.EdgeHasCve,
			SourceID: rec.ID,
			TargetID: v.ID(),
			Properties: sentinel.EdgeProperties{
				ExploitabilityScore: v.EpssScore,
			},
		}
		res, err := opts.Graph.UpsertEdge(ctx, s.tenant, edge, opts.Now())
		if err != nil {
			s.report.Partial = true
			s.deadEnd(ctx, "has_cve edge: "+id, err.Error())
			continue
		}
		s.report.CVEs++
		if res.Created {
			s.report.EdgesCreated++
			created++
			if opts.Notify != nil {
				opts.Notify(ctx, sentinel.NewEvent(s.tenant, opts.Now(), sentinel.VulnerabilityFound{
					NodeID:      rec.ID,
					CveID:       id,
					CvssScore:   v.CvssScore,
					Exploitable: v.Exploitable,
				}))
			}
		}
	}
	if s.session != nil {
		s.session.RecordAction(ctx, engram.Action{
			Kind:    "enrich_service",
			Target:  rec.NaturalKey,
			Outcome: "ok",
			Counts:  map[string]int{"cves": len(order), "new_pairings": created},
		})
	}
	return nil
}

// vulnerability joins the three sources into one node value. Unresolved
// fields stay null rather than inventing defaults.
func (s *sweep) vulnerability(ctx context.Context, cve nvd.CVE, scores map[string]float64) *sentinel.Vulnerability {
	v := &sentinel.Vulnerability{
		TenantID:      s.tenant,
		CveID:         cve.ID,
		CvssScore:     cve.CvssScore,
		CvssVector:    cve.CvssVector,
		Description:   cve.Description,
		PublishedDate: cve.Published,
	}
	if cve.CvssScore != nil {
		v.Severity = sentinel.CVSSToSeverity(*cve.CvssScore)
	}
	if sc, ok := scores[cve.ID]; ok {
		v.EpssScore = &sc
	}
	inKev, _, err := s.o.opts.KEV.InCatalog(ctx, cve.ID)
	if err != nil {
		s.report.Partial = true
		if !s.kevDown {
			s.kevDown = true
			s.deadEnd(ctx, "kev catalog", err.Error())
		}
	}
	v.InKev = inKev
	v.Exploitable = inKev
	return v
}

func (s *sweep) deadEnd(ctx context.Context, what, evidence string) {
	zlog.Warn(ctx).Str("what", what).Str("evidence", evidence).Msg("enrichment dead end")
	if s.session == nil {
		return
	}
	s.session.RecordDeadEnd(ctx, engram.DeadEnd{
		Description: what,
		Evidence:    evidence,
	})
}

func (s *sweep) summary() string {
	return fmt.Sprintf("%d services, %d skipped, %d cve pairings",
		s.report.ServicesSeen, s.report.ServicesSkipped, s.report.CVEs)
}
