/*Package interval implements interval-union operations over genomic
  coordinates.  Overlapping and touching intervals are merged, not tracked
  separately.
  It assumes every position fits in a PosType, which is int32 since that's
  what BAM files are limited to.
*/
package interval
