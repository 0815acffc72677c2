// Package device holds the gateway's view of tag devices and edge gateways,
// and answers whether a device may be registered to a gateway.
//
// A device is eligible when it exists, has no assigned gateway, and the
// target gateway exists. Once a device carries an assignment it is never
// re-bound elsewhere; the only write the package performs on an existing
// device is the conditional bind used by the registration workflow.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	checker := device.NewAvailabilityChecker(repo, 5*time.Second)
//
//	elig, err := checker.CheckEligible(ctx, "tag-001", "edge-01")
//	if err != nil {
//	    // errors.Is(err, device.ErrStore)
//	}
package device
