// Package l2frames owns Layer 2 (Frames) of the capture pipeline.
//
// Responsibilities: assembling decoded samples into rotation frames, the
// bounded frame queue shared between the capture goroutine and the
// consumer, and per-sample coordinate geometry (spherical to Cartesian,
// azimuth offset, translation, affine transform) into point clouds.
//
// Dependency rule: L2 may depend on L1 (parse), never on capture or session.
package l2frames
